package api

// Federation is the root of a federation config file. It names the sources,
// and assembles them into federated workspaces through projections.
type Federation struct {
	Repository Repository  `hcl:"repository,block" json:"repository"`
	Sources    []Source    `hcl:"source,block" json:"sources,omitempty"`
	Workspaces []Workspace `hcl:"workspace,block" json:"workspaces,omitempty"`
}

// Repository holds the options of the federated repository.
type Repository struct {
	Name string `hcl:"name,label" json:"name"`
	// DefaultWorkspace is used when a client names none. Defaults to the
	// first declared workspace.
	DefaultWorkspace string `hcl:"default_workspace,optional" json:"default_workspace,omitempty"`
	// AwaitAllSubtasks waits for every source before joining any result.
	AwaitAllSubtasks bool `hcl:"await_all_subtasks,optional" json:"await_all_subtasks,omitempty"`
	// PlanStore is a SQLite file that keeps merge plans across restarts.
	// Empty keeps them in memory.
	PlanStore string `hcl:"plan_store,optional" json:"plan_store,omitempty"`
	// KeepDuplicateProperties disables removal of duplicate property values
	// contributed by several sources.
	KeepDuplicateProperties bool `hcl:"keep_duplicate_properties,optional" json:"keep_duplicate_properties,omitempty"`
}

// Source kinds.
const (
	SourceMemory        = "memory"
	SourceGit           = "git"
	SourceJSON          = "json"
	SourceSQLite        = "sqlite"
	SourceSQLiteResults = "sqlite-results"
)

// Source declares one backing store.
type Source struct {
	Name string `hcl:"name,label" json:"name"`
	// Kind is one of memory, git, json, sqlite or sqlite-results.
	Kind string `hcl:"kind" json:"kind"`
	// Path is the repository, document or database file. Relative paths
	// are resolved against the config file.
	Path string `hcl:"path,optional" json:"path,omitempty"`
	// Workspace is the source workspace name. Defaults to "default".
	Workspace string `hcl:"workspace,optional" json:"workspace,omitempty"`
	// Selector is a JSONPath picking the document root (json only).
	Selector string `hcl:"selector,optional" json:"selector,omitempty"`
	// TTL is how long results stay fresh, as a Go duration. Empty means
	// they never expire.
	TTL string `hcl:"ttl,optional" json:"ttl,omitempty"`
}

// Workspace is one federated namespace.
type Workspace struct {
	Name        string       `hcl:"name,label" json:"name"`
	Projections []Projection `hcl:"projection,block" json:"projections"`
}

// Projection maps part of a source into the workspace. Order matters: the
// first projection wins identity and comes first in merged children.
type Projection struct {
	Source string `hcl:"source,label" json:"source"`
	// Workspace overrides the source workspace.
	Workspace string `hcl:"workspace,optional" json:"workspace,omitempty"`
	ReadOnly  bool   `hcl:"read_only,optional" json:"read_only,omitempty"`
	// Rules are "/repository/path => /source/path $ /excluded/source/path".
	Rules []string `hcl:"rules" json:"rules"`
}
