package federation

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/merge"
	"github.com/agentic-research/federa/internal/request"
)

// joiner writes projected results back onto the original requests.
type joiner struct {
	ws       *Workspace
	cache    planCache
	strategy merge.Strategy
}

// stream joins federated requests as they arrive, in queue order. It stops
// early only when ctx ends.
func (j *joiner) stream(ctx context.Context, queue <-chan *FederatedRequest) error {
	for fed := range queue {
		if err := j.joinOne(ctx, fed); err != nil {
			return err
		}
	}
	return nil
}

// list joins an already materialized batch.
func (j *joiner) list(ctx context.Context, batch []*FederatedRequest) error {
	for _, fed := range batch {
		if err := j.joinOne(ctx, fed); err != nil {
			return err
		}
	}
	return nil
}

func (j *joiner) joinOne(ctx context.Context, fed *FederatedRequest) error {
	if err := fed.Await(ctx); err != nil {
		return err
	}
	r := fed.original
	if r.IsCancelled() {
		return nil
	}
	if r.HasError() && len(fed.projected) == 0 {
		// Failed during fork.
		return nil
	}

	switch req := r.(type) {
	case *request.ReadNode:
		node, err := j.mergeRead(ctx, fed, req.At.Path)
		if err != nil {
			req.SetError(err)
			return nil
		}
		req.SetNode(node.ToNode(), node.Plan.Expiration())
		j.cache.Put(j.ws.Name, req.At.Path, node.Plan)
	case *request.ReadAllChildren:
		node, err := j.mergeRead(ctx, fed, req.Of.Path)
		if err != nil {
			req.SetError(err)
			return nil
		}
		req.Actual = graph.Location{Path: req.Of.Path, UUID: node.UUID}
		req.Children = node.ToNode().Children
		req.Expiration = node.Plan.Expiration()
	case *request.ReadAllProperties:
		node, err := j.mergeRead(ctx, fed, req.Of.Path)
		if err != nil {
			req.SetError(err)
			return nil
		}
		req.Actual = graph.Location{Path: req.Of.Path, UUID: node.UUID}
		req.Properties = node.ToNode().Properties
		req.Expiration = node.Plan.Expiration()
	case *request.VerifyNodeExists:
		node, err := j.mergeRead(ctx, fed, req.At.Path)
		if err != nil {
			req.SetError(err)
			return nil
		}
		req.Actual = graph.Location{Path: req.At.Path, UUID: node.UUID}
		req.Exists = true
		req.Expiration = node.Plan.Expiration()
	case *request.CreateNode:
		j.joinCreate(fed, req)
	case *request.UpdateProperties:
		if j.joinWrite(fed, req.On.Path) {
			req.Actual = req.On
			j.cache.Invalidate(j.ws.Name, req.On.Path)
		}
	case *request.DeleteBranch:
		if j.joinWrite(fed, req.At.Path) {
			req.Actual = req.At
			j.cache.Invalidate(j.ws.Name, req.At.Path.Parent())
		}
	}
	return nil
}

// mergeRead builds the contributions of a read and merges them into a node
// at path.
func (j *joiner) mergeRead(ctx context.Context, fed *FederatedRequest, path graph.Path) (*merge.FederatedNode, error) {
	contributions, err := j.contributions(fed, path)
	if err != nil {
		return nil, err
	}
	empty := true
	for _, c := range contributions {
		if !c.IsEmpty() {
			empty = false
			break
		}
	}
	if empty {
		return nil, &request.PathNotFoundError{Location: graph.At(path), LowestExisting: j.lowestExisting(fed, path)}
	}

	if fed.previous != nil && len(fed.reused) > 0 {
		contributions = refresh(fed.previous, fed.reused, contributions)
	}

	node := merge.NewFederatedNode(j.ws.Name, graph.At(path))
	node.Plan = fed.previous
	j.strategy.Merge(ctx, node, contributions)
	logr.FromContextOrDiscard(ctx).V(logging.TRACE).Info("Joined read", "path", path.String(), "contributions", len(contributions))
	return node, nil
}

// refresh folds the contributions that were queried again into the cached
// plan, each replacing the stale one from its source workspace in place.
// The freshly ordered list is kept when the workspace no longer has the
// sources the plan was built from.
func refresh(previous *merge.Plan, reused map[sourceKey]*merge.Contribution, current []*merge.Contribution) []*merge.Contribution {
	plan := previous
	for _, c := range current {
		if _, ok := reused[sourceKey{source: c.SourceName(), workspace: c.WorkspaceName()}]; ok {
			continue
		}
		plan = merge.AddContribution(plan, c)
	}
	if plan.ContributionCount() != len(current) {
		return current
	}
	return plan.Contributions()
}

// sourceResult accumulates the results of every projected request that one
// source workspace answered for the same node.
type sourceResult struct {
	found      bool
	actual     graph.Location
	children   []graph.Location
	properties map[string]graph.Property
	expiration time.Time
}

// contributions returns the contributions for a read in precedence order:
// the placeholder first, then one per source workspace in projection order.
// Sources that did not find the node yield empty contributions; any other
// source failure is returned.
func (j *joiner) contributions(fed *FederatedRequest, path graph.Path) ([]*merge.Contribution, error) {
	var placeholder *merge.Contribution
	results := make(map[sourceKey]*sourceResult)

	for _, pr := range fed.projected {
		if pr.Projection == nil {
			if rn, ok := pr.Request.(*request.ReadNode); ok {
				placeholder = merge.NewPlaceholderContribution(placeholderSource, j.ws.Name, graph.At(path), rn.Children)
			}
			continue
		}
		key := keyOf(pr.Projection)
		res, ok := results[key]
		if !ok {
			res = &sourceResult{properties: map[string]graph.Property{}}
			results[key] = res
		}
		if err := pr.Request.Error(); err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if pr.Request.IsCancelled() {
			continue
		}
		actual, props, children, exp := readResult(pr.Request)
		res.found = true
		if !res.actual.HasUUID() {
			res.actual = actual
		}
		for _, child := range children {
			if loc, ok := translateChild(pr, path, child); ok {
				res.children = append(res.children, loc)
			}
		}
		for name, p := range props {
			if _, dup := res.properties[name]; !dup {
				res.properties[name] = p
			}
		}
		if !exp.IsZero() && (res.expiration.IsZero() || exp.Before(res.expiration)) {
			res.expiration = exp
		}
	}

	var out []*merge.Contribution
	if placeholder != nil {
		out = append(out, placeholder)
	}
	seen := make(map[sourceKey]bool)
	for i := range j.ws.Projections {
		key := keyOf(&j.ws.Projections[i])
		if seen[key] {
			continue
		}
		seen[key] = true
		if c, ok := fed.reused[key]; ok {
			out = append(out, c)
			continue
		}
		res, ok := results[key]
		if !ok {
			continue
		}
		if !res.found {
			out = append(out, merge.NewEmptyContribution(key.source, key.workspace, merge.NeverExpires))
			continue
		}
		loc := graph.Location{Path: path, UUID: res.actual.UUID}
		out = append(out, merge.NewContribution(key.source, key.workspace, loc, res.expiration, res.properties, res.children))
	}
	return out, nil
}

// readResult extracts the outcome of any read request.
func readResult(r request.Request) (actual graph.Location, props map[string]graph.Property, children []graph.Location, exp time.Time) {
	switch x := r.(type) {
	case *request.ReadNode:
		return x.Actual, x.Properties, x.Children, x.Expiration
	case *request.ReadAllChildren:
		return x.Actual, nil, x.Children, x.Expiration
	case *request.ReadAllProperties:
		return x.Actual, x.Properties, nil, x.Expiration
	case *request.VerifyNodeExists:
		return x.Actual, nil, nil, x.Expiration
	}
	return graph.Location{}, nil, nil, time.Time{}
}

// translateChild maps a child reported by a source back under the
// federated parent. Children the projection hides are dropped.
func translateChild(pr *ProjectedRequest, parent graph.Path, child graph.Location) (graph.Location, bool) {
	if pr.Kind == KindMirror {
		return child, true
	}
	for _, fed := range pr.Projection.PathsInRepository(child.Path) {
		if fed.Parent().Equal(parent) {
			return graph.Location{Path: fed, UUID: child.UUID}, true
		}
	}
	return graph.Location{}, false
}

// toFederated maps a source path produced by a write back into the
// federated namespace, preferring a path at or below near.
func toFederated(pr *ProjectedRequest, src, near graph.Path) graph.Path {
	if pr.Kind == KindMirror {
		return src
	}
	candidates := pr.Projection.PathsInRepository(src)
	for _, fed := range candidates {
		if fed.IsAtOrBelow(near) {
			return fed
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return near
}

// lowestExisting returns the deepest strict ancestor of path that a source
// reported while answering not-found, or else the one the workspace anchors.
func (j *joiner) lowestExisting(fed *FederatedRequest, path graph.Path) graph.Path {
	lowest := j.ws.lowestExisting(path)
	for _, pr := range fed.projected {
		var pnf *request.PathNotFoundError
		if pr.Projection == nil || !errors.As(pr.Request.Error(), &pnf) {
			continue
		}
		cand := toFederated(pr, pnf.LowestExisting, lowest)
		if cand.IsAncestorOf(path) && cand.Len() > lowest.Len() {
			lowest = cand
		}
	}
	return lowest
}

// joinWrite copies the error of the single projected write onto the
// original request, translating source paths. It reports success.
func (j *joiner) joinWrite(fed *FederatedRequest, path graph.Path) bool {
	if len(fed.projected) == 0 {
		return false
	}
	pr := fed.projected[0]
	err := pr.Request.Error()
	if err == nil {
		return true
	}
	if errors.Is(err, graph.ErrNotFound) {
		err = &request.PathNotFoundError{Location: graph.At(path), LowestExisting: j.lowestExisting(fed, path)}
	}
	fed.original.SetError(err)
	return false
}

func (j *joiner) joinCreate(fed *FederatedRequest, req *request.CreateNode) {
	if !j.joinWrite(fed, req.Under.Path) {
		return
	}
	pr := fed.projected[0]
	sub := pr.Request.(*request.CreateNode)
	req.Actual = graph.Location{
		Path: toFederated(pr, sub.Actual.Path, req.Under.Path),
		UUID: sub.Actual.UUID,
	}
	j.cache.Invalidate(j.ws.Name, req.Under.Path)
}
