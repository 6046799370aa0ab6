// Package config loads a federation file and builds the repository it
// describes.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/agentic-research/federa/api"
)

// DefaultSourceWorkspace is used for sources that do not name a workspace.
const DefaultSourceWorkspace = "default"

var ErrInvalid = errors.New("invalid federation config")

// Load decodes and validates the federation file at path (.hcl or .json).
func Load(path string) (*api.Federation, error) {
	var fed api.Federation
	if err := hclsimple.DecodeFile(path, nil, &fed); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := Validate(&fed); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &fed, nil
}

// Parse is Load for in-memory content. filename picks the syntax by its
// extension.
func Parse(filename string, src []byte) (*api.Federation, error) {
	var fed api.Federation
	if err := hclsimple.Decode(filename, src, nil, &fed); err != nil {
		return nil, err
	}
	if err := Validate(&fed); err != nil {
		return nil, err
	}
	return &fed, nil
}

// Validate checks names, kinds and references and fills defaults.
func Validate(fed *api.Federation) error {
	if fed.Repository.Name == "" {
		return fmt.Errorf("%w: repository needs a name", ErrInvalid)
	}
	sources := make(map[string]bool, len(fed.Sources))
	for i := range fed.Sources {
		s := &fed.Sources[i]
		if sources[s.Name] {
			return fmt.Errorf("%w: duplicate source %q", ErrInvalid, s.Name)
		}
		sources[s.Name] = true
		switch s.Kind {
		case api.SourceMemory:
		case api.SourceGit, api.SourceJSON, api.SourceSQLite, api.SourceSQLiteResults:
			if s.Path == "" {
				return fmt.Errorf("%w: source %q of kind %s needs a path", ErrInvalid, s.Name, s.Kind)
			}
		default:
			return fmt.Errorf("%w: source %q has unknown kind %q", ErrInvalid, s.Name, s.Kind)
		}
		if s.Workspace == "" {
			s.Workspace = DefaultSourceWorkspace
		}
		if s.TTL != "" {
			if _, err := time.ParseDuration(s.TTL); err != nil {
				return fmt.Errorf("%w: source %q ttl: %v", ErrInvalid, s.Name, err)
			}
		}
	}
	if len(fed.Workspaces) == 0 {
		return fmt.Errorf("%w: no workspaces", ErrInvalid)
	}
	workspaces := make(map[string]bool, len(fed.Workspaces))
	for _, ws := range fed.Workspaces {
		if workspaces[ws.Name] {
			return fmt.Errorf("%w: duplicate workspace %q", ErrInvalid, ws.Name)
		}
		workspaces[ws.Name] = true
		if len(ws.Projections) == 0 {
			return fmt.Errorf("%w: workspace %q has no projections", ErrInvalid, ws.Name)
		}
		for _, p := range ws.Projections {
			if !sources[p.Source] {
				return fmt.Errorf("%w: workspace %q projects unknown source %q", ErrInvalid, ws.Name, p.Source)
			}
		}
	}
	if d := fed.Repository.DefaultWorkspace; d != "" && !workspaces[d] {
		return fmt.Errorf("%w: default workspace %q is not declared", ErrInvalid, d)
	}
	return nil
}

// sourceTTL returns the parsed ttl; Validate has already checked it.
func sourceTTL(s api.Source) time.Duration {
	if s.TTL == "" {
		return 0
	}
	d, _ := time.ParseDuration(s.TTL)
	return d
}
