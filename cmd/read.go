package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/federa/internal/browse"
	"github.com/agentic-research/federa/internal/graph"
)

var readCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Print the merged properties and children of one node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(cmd.Context(), func(b browse.Reader) error {
			return runRead(cmd.Context(), b, cmd.OutOrStdout(), args[0])
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List the children of a node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "/"
		if len(args) == 1 {
			target = args[0]
		}
		return withBrowser(cmd.Context(), func(b browse.Reader) error {
			return runList(cmd.Context(), b, cmd.OutOrStdout(), target)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of federa",
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "federa v%s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(versionCmd)
}

// withBrowser builds the runtime, runs fn against it and tears it down.
func withBrowser(ctx context.Context, fn func(browse.Reader) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }() // safe to ignore
	return fn(newBrowser(rt))
}

func runRead(ctx context.Context, b browse.Reader, w io.Writer, raw string) error {
	p, err := graph.ParsePath(raw)
	if err != nil {
		return err
	}
	node, err := b.ReadNode(ctx, p)
	if err != nil {
		return err
	}
	printNode(w, node)
	return nil
}

func runList(ctx context.Context, b browse.Reader, w io.Writer, raw string) error {
	p, err := graph.ParsePath(raw)
	if err != nil {
		return err
	}
	children, err := b.ListChildren(ctx, p)
	if err != nil {
		return err
	}
	for _, c := range children {
		_, _ = fmt.Fprintln(w, c.Path.String())
	}
	return nil
}

func printNode(w io.Writer, n *graph.Node) {
	_, _ = fmt.Fprintln(w, n.Location.String())
	for _, name := range graph.SortedNames(n.Properties) {
		values := n.Properties[name].Values
		rendered := make([]string, len(values))
		for i, v := range values {
			rendered[i] = renderValue(v)
		}
		_, _ = fmt.Fprintf(w, "  %s = %s\n", name, strings.Join(rendered, ", "))
	}
	if len(n.Children) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "children:")
	for _, c := range n.Children {
		_, _ = fmt.Fprintf(w, "  %s\n", c.Path)
	}
}

func renderValue(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	}
	return fmt.Sprint(v)
}
