package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-research/federa/internal/graph"
)

// PlanFormatVersion is the version written by MarshalPlan.
const PlanFormatVersion = 1

// ErrPlanVersion is returned for persisted plans without a usable version.
var ErrPlanVersion = errors.New("unsupported merge plan version")

type planRecord struct {
	Version       int                     `json:"version"`
	Contributions []contributionRecord    `json:"contributions"`
	Annotations   []graph.EncodedProperty `json:"annotations,omitempty"`
}

type contributionRecord struct {
	Source     string                  `json:"source"`
	Workspace  string                  `json:"workspace,omitempty"`
	Kind       string                  `json:"kind,omitempty"`
	Path       string                  `json:"path,omitempty"`
	UUID       string                  `json:"uuid,omitempty"`
	Expiration string                  `json:"expiration,omitempty"`
	Children   []locationRecord        `json:"children,omitempty"`
	Properties []graph.EncodedProperty `json:"properties,omitempty"`
}

type locationRecord struct {
	Path string `json:"path"`
	UUID string `json:"uuid,omitempty"`
}

const (
	recordEmpty       = "empty"
	recordPlaceholder = "placeholder"
)

// MarshalPlan serializes a plan in the current format.
func MarshalPlan(p *Plan) ([]byte, error) {
	rec := planRecord{Version: PlanFormatVersion}
	for _, c := range p.contributions {
		cr, err := encodeContribution(c)
		if err != nil {
			return nil, err
		}
		rec.Contributions = append(rec.Contributions, cr)
	}
	for _, name := range graph.SortedNames(p.annotations) {
		ep, err := graph.EncodeProperty(p.annotations[name])
		if err != nil {
			return nil, fmt.Errorf("annotation %s: %w", name, err)
		}
		rec.Annotations = append(rec.Annotations, ep)
	}
	return json.Marshal(rec)
}

// UnmarshalPlan parses a persisted plan. Unknown fields are ignored, so plans
// written by newer versions load as far as this version understands them.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var rec planRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode merge plan: %w", err)
	}
	if rec.Version < 1 {
		return nil, fmt.Errorf("%w: %d", ErrPlanVersion, rec.Version)
	}
	p := &Plan{}
	for i, cr := range rec.Contributions {
		c, err := decodeContribution(cr)
		if err != nil {
			return nil, fmt.Errorf("decode contribution %d: %w", i, err)
		}
		p.contributions = append(p.contributions, c)
	}
	for _, ep := range rec.Annotations {
		a, err := graph.DecodeProperty(ep)
		if err != nil {
			return nil, fmt.Errorf("decode annotation: %w", err)
		}
		p.SetAnnotation(a.Name, a)
	}
	return p, nil
}

func encodeContribution(c *Contribution) (contributionRecord, error) {
	cr := contributionRecord{
		Source:    c.source,
		Workspace: c.workspace,
	}
	switch c.kind {
	case kindEmpty:
		cr.Kind = recordEmpty
	case kindPlaceholder:
		cr.Kind = recordPlaceholder
	}
	if c.kind != kindEmpty {
		cr.Path = c.location.Path.String()
		if c.location.HasUUID() {
			cr.UUID = c.location.UUID.String()
		}
	}
	if !c.expiration.IsZero() {
		cr.Expiration = c.expiration.Format(time.RFC3339Nano)
	}
	for _, child := range c.children {
		lr := locationRecord{Path: child.Path.String()}
		if child.HasUUID() {
			lr.UUID = child.UUID.String()
		}
		cr.Children = append(cr.Children, lr)
	}
	for _, name := range graph.SortedNames(c.properties) {
		ep, err := graph.EncodeProperty(c.properties[name])
		if err != nil {
			return contributionRecord{}, err
		}
		cr.Properties = append(cr.Properties, ep)
	}
	return cr, nil
}

func decodeContribution(cr contributionRecord) (*Contribution, error) {
	c := &Contribution{source: cr.Source, workspace: cr.Workspace}
	switch cr.Kind {
	case recordEmpty:
		c.kind = kindEmpty
	case recordPlaceholder:
		c.kind = kindPlaceholder
	}
	if cr.Path != "" {
		loc, err := decodeLocation(locationRecord{Path: cr.Path, UUID: cr.UUID})
		if err != nil {
			return nil, err
		}
		c.location = loc
	}
	if cr.Expiration != "" {
		exp, err := time.Parse(time.RFC3339Nano, cr.Expiration)
		if err != nil {
			return nil, fmt.Errorf("expiration: %w", err)
		}
		c.expiration = exp.UTC()
	}
	for _, lr := range cr.Children {
		loc, err := decodeLocation(lr)
		if err != nil {
			return nil, err
		}
		c.children = append(c.children, loc)
	}
	c.properties = make(map[string]graph.Property, len(cr.Properties))
	for _, ep := range cr.Properties {
		prop, err := graph.DecodeProperty(ep)
		if err != nil {
			return nil, err
		}
		c.properties[prop.Name] = prop
	}
	return c, nil
}

func decodeLocation(lr locationRecord) (graph.Location, error) {
	p, err := graph.ParsePath(lr.Path)
	if err != nil {
		return graph.Location{}, err
	}
	loc := graph.At(p)
	if lr.UUID != "" {
		id, err := uuid.Parse(lr.UUID)
		if err != nil {
			return graph.Location{}, fmt.Errorf("uuid of %s: %w", lr.Path, err)
		}
		loc.UUID = id
	}
	return loc, nil
}
