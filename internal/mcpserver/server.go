// Package mcpserver exposes federated reads as MCP tools so agents can walk
// the federated graph.
package mcpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/federa/internal/browse"
	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/request"
)

const (
	ToolReadNode     = "read_node"
	ToolListChildren = "list_children"
)

var jsonOptions = &oj.Options{Sort: true, Indent: 2}

type tools struct {
	reader browse.Reader
	logger logr.Logger
}

// New returns an MCP server offering read_node and list_children over r.
func New(r browse.Reader, version string, logger logr.Logger) *server.MCPServer {
	s := server.NewMCPServer("federa", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Paths are absolute federated paths such as /docs/guide; same-name siblings are addressed as name[2]."),
	)
	t := &tools{reader: r, logger: logger}

	s.AddTool(mcp.NewTool(ToolReadNode,
		mcp.WithDescription("Read the merged properties and ordered children of one node"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("path", mcp.Required(), mcp.Description("Federated path of the node")),
	), t.readNode)
	s.AddTool(mcp.NewTool(ToolListChildren,
		mcp.WithDescription("List the paths of the children of one node, in order"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("path", mcp.Required(), mcp.Description("Federated path of the parent node")),
	), t.listChildren)
	return s
}

// ServeStdio serves s on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (t *tools) readNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, errResult := pathArgument(req)
	if errResult != nil {
		return errResult, nil
	}
	node, err := t.reader.ReadNode(logr.NewContext(ctx, t.logger), p)
	if err != nil {
		return t.failed(ToolReadNode, p, err), nil
	}
	return mcp.NewToolResultText(oj.JSON(nodeDocument(node), jsonOptions)), nil
}

func (t *tools) listChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, errResult := pathArgument(req)
	if errResult != nil {
		return errResult, nil
	}
	children, err := t.reader.ListChildren(logr.NewContext(ctx, t.logger), p)
	if err != nil {
		return t.failed(ToolListChildren, p, err), nil
	}
	return mcp.NewToolResultText(oj.JSON(locations(children), jsonOptions)), nil
}

func pathArgument(req mcp.CallToolRequest) (graph.Path, *mcp.CallToolResult) {
	raw, err := req.RequireString("path")
	if err != nil {
		return graph.Path{}, mcp.NewToolResultError(err.Error())
	}
	p, err := graph.ParsePath(raw)
	if err != nil {
		return graph.Path{}, mcp.NewToolResultErrorf("invalid path %q: %v", raw, err)
	}
	return p, nil
}

// failed turns a read error into a tool error. Absence is an answer, not a
// fault, so it is only logged at debug.
func (t *tools) failed(tool string, p graph.Path, err error) *mcp.CallToolResult {
	var pnf *request.PathNotFoundError
	if errors.As(err, &pnf) {
		t.logger.V(logging.DEBUG).Info("Tool read found nothing", "tool", tool, "path", p.String())
		return mcp.NewToolResultErrorf("no node at %s; lowest existing ancestor is %s", p, pnf.LowestExisting)
	}
	t.logger.Error(err, "Tool read failed", "tool", tool, "path", p.String())
	return mcp.NewToolResultErrorFromErr("read "+p.String()+" failed", err)
}

func nodeDocument(n *graph.Node) map[string]any {
	props := make(map[string]any, len(n.Properties))
	for name, p := range n.Properties {
		values := make([]any, len(p.Values))
		for i, v := range p.Values {
			values[i] = jsonValue(v)
		}
		props[name] = values
	}
	doc := map[string]any{
		"path":       n.Location.Path.String(),
		"properties": props,
		"children":   locations(n.Children),
	}
	if n.Location.HasUUID() {
		doc["uuid"] = n.Location.UUID.String()
	}
	return doc
}

func locations(locs []graph.Location) []any {
	out := make([]any, len(locs))
	for i, l := range locs {
		out[i] = l.Path.String()
	}
	return out
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	}
	return v
}
