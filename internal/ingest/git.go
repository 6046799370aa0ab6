// Package ingest builds source graphs from git history, JSON documents and
// SQLite result tables.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentic-research/federa/internal/graph"
)

// Commit is one entry of the repository history.
type Commit struct {
	SHA     string
	Tree    string
	Parents []string
	Author  string
	Date    time.Time
	Message string
}

// LoadGitCommits loads every commit reachable from any ref, newest first.
func LoadGitCommits(ctx context.Context, repoPath string) ([]Commit, error) {
	// Unlikely to appear in a commit message.
	const sep = "|||FEDERA_SEP|||"

	// %H hash, %T tree, %P parents, %an author, %aI strict ISO date, %B raw body
	format := "%H%n%T%n%P%n%an%n%aI%n%B" + sep

	cmd := exec.CommandContext(ctx, "git", "log", "--all", fmt.Sprintf("--pretty=format:%s", format))
	cmd.Dir = repoPath
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git log in %s failed: %w: %s", repoPath, err, strings.TrimSpace(stderr.String()))
	}

	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, []byte(sep)); i >= 0 {
			return i + len(sep), data[0:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	})

	var commits []Commit
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		lines := strings.SplitN(text, "\n", 6)
		if len(lines) == 5 {
			lines = append(lines, "")
		}
		if len(lines) < 6 {
			continue // malformed
		}
		date, err := time.Parse(time.RFC3339, lines[4])
		if err != nil {
			return nil, fmt.Errorf("commit %s: bad date %q: %w", lines[0], lines[4], err)
		}
		commits = append(commits, Commit{
			SHA:     lines[0],
			Tree:    lines[1],
			Parents: strings.Fields(lines[2]),
			Author:  lines[3],
			Date:    date.UTC(),
			Message: strings.TrimSpace(lines[5]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan git log: %w", err)
	}
	return commits, nil
}

// LoadGitGraph builds a read-only view of a repository's history:
//
//	/commits/<sha>   author, date, message, tree, parents
//	/authors/<name>  commits (newest first)
func LoadGitGraph(ctx context.Context, repoPath string) (*graph.MemoryStore, error) {
	commits, err := LoadGitCommits(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	g := graph.NewMemoryStore()
	commitsDir := graph.RootPath().ChildNamed("commits")
	authorsDir := graph.RootPath().ChildNamed("authors")
	g.Put(commitsDir)
	g.Put(authorsDir)

	var authors []string
	byAuthor := make(map[string][]any)
	for _, c := range commits {
		props := []graph.Property{
			graph.NewProperty("author", c.Author),
			graph.NewProperty("date", c.Date),
			graph.NewProperty("message", c.Message),
			graph.NewProperty("tree", c.Tree),
		}
		if len(c.Parents) > 0 {
			parents := make([]any, len(c.Parents))
			for i, p := range c.Parents {
				parents[i] = p
			}
			props = append(props, graph.NewProperty("parents", parents...))
		}
		g.Put(commitsDir.ChildNamed(c.SHA), props...)

		name := SafeName(c.Author)
		if _, seen := byAuthor[name]; !seen {
			authors = append(authors, name)
		}
		byAuthor[name] = append(byAuthor[name], c.SHA)
	}
	for _, name := range authors {
		g.Put(authorsDir.ChildNamed(name), graph.NewProperty("commits", byAuthor[name]...))
	}
	return g, nil
}

// SafeName makes s usable as a path segment name.
func SafeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '[', ']':
			return '_'
		}
		return r
	}, s)
}
