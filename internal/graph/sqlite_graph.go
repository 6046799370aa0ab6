package graph

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteGraph implements WritableGraph on a single SQLite table.
//
// Each row is one node keyed by its canonical path (Path.Key). Children are
// ordered by the position column; the sns column holds the same-name-sibling
// index (0 when the name is unique under its parent). Properties are stored
// as the typed JSON produced by MarshalProperties.
//
// Writes are serialized by mu; readers go straight to the database, which
// runs in WAL mode so they never block on a writer.
type SQLiteGraph struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

const sqliteGraphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	key        TEXT PRIMARY KEY,
	parent     TEXT,
	name       TEXT NOT NULL,
	sns        INTEGER NOT NULL DEFAULT 0,
	position   INTEGER NOT NULL DEFAULT 0,
	uuid       TEXT,
	properties TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS nodes_parent ON nodes(parent, position);
`

// OpenSQLiteGraph opens (creating if needed) the node table at dbPath.
func OpenSQLiteGraph(dbPath string) (*SQLiteGraph, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteGraphSchema); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("create nodes table: %w", err)
	}
	// The root row always exists.
	if _, err := db.Exec(`INSERT OR IGNORE INTO nodes (key, parent, name) VALUES ('/', NULL, '')`); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("create root node: %w", err)
	}
	return &SQLiteGraph{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (g *SQLiteGraph) Path() string { return g.dbPath }

// Close closes the database connection.
func (g *SQLiteGraph) Close() error { return g.db.Close() }

// ---------------------------------------------------------------------------
// Graph interface
// ---------------------------------------------------------------------------

func (g *SQLiteGraph) GetNode(path Path) (*Node, error) {
	var (
		rawUUID  sql.NullString
		rawProps string
	)
	err := g.db.QueryRow(`SELECT uuid, properties FROM nodes WHERE key = ?`, path.Key()).Scan(&rawUUID, &rawProps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", path, err)
	}

	props, err := UnmarshalProperties([]byte(rawProps))
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", path, err)
	}
	node := &Node{
		Location:   Location{Path: path, UUID: parseNullUUID(rawUUID)},
		Properties: props,
	}

	rows, err := g.db.Query(`SELECT name, sns, uuid FROM nodes WHERE parent = ? ORDER BY position`, path.Key())
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var (
			seg     Segment
			childID sql.NullString
		)
		if err := rows.Scan(&seg.Name, &seg.Index, &childID); err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", path, err)
		}
		node.Children = append(node.Children, Location{Path: path.Child(seg), UUID: parseNullUUID(childID)})
	}
	return node, rows.Err()
}

func (g *SQLiteGraph) ListChildren(path Path) ([]Segment, error) {
	if _, err := g.GetNode(path); err != nil {
		return nil, err
	}
	rows, err := g.db.Query(`SELECT name, sns FROM nodes WHERE parent = ? ORDER BY position`, path.Key())
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Name, &seg.Index); err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", path, err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// WritableGraph interface
// ---------------------------------------------------------------------------

func (g *SQLiteGraph) CreateNode(parent Path, name string, props []Property) (Path, error) {
	if err := validateName(name); err != nil {
		return Path{}, fmt.Errorf("create under %s: %w", parent, err)
	}
	propMap := make(map[string]Property, len(props))
	var id uuid.UUID
	for _, p := range props {
		propMap[p.Name] = p
		if p.Name == "uuid" && p.IsSingle() {
			if u, err := ToUUID(p.First()); err == nil {
				id = u
			}
		}
	}
	blob, err := MarshalProperties(propMap)
	if err != nil {
		return Path{}, fmt.Errorf("create under %s: %w", parent, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.Begin()
	if err != nil {
		return Path{}, fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE key = ?`, parent.Key()).Scan(&exists); err != nil {
		return Path{}, fmt.Errorf("lookup %s: %w", parent, err)
	}
	if exists == 0 {
		return Path{}, ErrNotFound
	}

	var siblings, position int
	err = tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE parent = ? AND name = ?`, parent.Key(), name).Scan(&siblings)
	if err != nil {
		return Path{}, fmt.Errorf("count siblings: %w", err)
	}
	err = tx.QueryRow(`SELECT COALESCE(MAX(position), -1) + 1 FROM nodes WHERE parent = ?`, parent.Key()).Scan(&position)
	if err != nil {
		return Path{}, fmt.Errorf("next position: %w", err)
	}

	seg := Segment{Name: name}
	if siblings > 0 {
		// The first sibling keeps its key ("a" and "a[1]" are the same key)
		// and only gains an explicit index.
		if siblings == 1 {
			if _, err := tx.Exec(`UPDATE nodes SET sns = 1 WHERE parent = ? AND name = ?`, parent.Key(), name); err != nil {
				return Path{}, fmt.Errorf("index first sibling: %w", err)
			}
		}
		seg.Index = siblings + 1
	}
	child := parent.Child(seg)

	var rawUUID any
	if id != uuid.Nil {
		rawUUID = id.String()
	}
	_, err = tx.Exec(`INSERT INTO nodes (key, parent, name, sns, position, uuid, properties) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		child.Key(), parent.Key(), name, seg.Index, position, rawUUID, string(blob))
	if err != nil {
		return Path{}, fmt.Errorf("insert %s: %w", child, err)
	}
	if err := tx.Commit(); err != nil {
		return Path{}, fmt.Errorf("commit create: %w", err)
	}
	return child, nil
}

func (g *SQLiteGraph) SetProperties(path Path, set []Property, remove []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	var rawProps string
	err = tx.QueryRow(`SELECT properties FROM nodes WHERE key = ?`, path.Key()).Scan(&rawProps)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	props, err := UnmarshalProperties([]byte(rawProps))
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	for _, name := range remove {
		delete(props, name)
	}
	for _, p := range set {
		props[p.Name] = p
	}
	blob, err := MarshalProperties(props)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if _, err := tx.Exec(`UPDATE nodes SET properties = ? WHERE key = ?`, string(blob), path.Key()); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return tx.Commit()
}

func (g *SQLiteGraph) DeleteBranch(path Path) error {
	if path.IsRoot() {
		return fmt.Errorf("delete %s: cannot delete the root", path)
	}
	last, _ := path.Last()
	parentKey := path.Parent().Key()

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	lo, hi := subtreeRange(path.Key())
	res, err := tx.Exec(`DELETE FROM nodes WHERE key = ? OR (key >= ? AND key < ?)`, path.Key(), lo, hi)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := renumberSiblings(tx, path.Parent(), parentKey, last.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// renumberSiblings restores contiguous same-name-sibling indexes for name
// under parent and moves the subtrees whose key changed.
func renumberSiblings(tx *sql.Tx, parent Path, parentKey, name string) error {
	rows, err := tx.Query(`SELECT key, sns FROM nodes WHERE parent = ? AND name = ? ORDER BY position`, parentKey, name)
	if err != nil {
		return fmt.Errorf("list siblings: %w", err)
	}
	type sibling struct {
		key string
		sns int
	}
	var sibs []sibling
	for rows.Next() {
		var s sibling
		if err := rows.Scan(&s.key, &s.sns); err != nil {
			_ = rows.Close() // safe to ignore
			return fmt.Errorf("scan sibling: %w", err)
		}
		sibs = append(sibs, s)
	}
	_ = rows.Close() // safe to ignore
	if err := rows.Err(); err != nil {
		return err
	}

	for i, s := range sibs {
		want := NoIndex
		if len(sibs) > 1 {
			want = i + 1
		}
		if s.sns == want {
			continue
		}
		newKey := parent.Child(Segment{Name: name, Index: want}).Key()
		if _, err := tx.Exec(`UPDATE nodes SET sns = ? WHERE key = ?`, want, s.key); err != nil {
			return fmt.Errorf("renumber %s: %w", s.key, err)
		}
		if newKey != s.key {
			if err := moveSubtree(tx, s.key, newKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// moveSubtree rewrites the key prefix from → to for a node and its descendants.
func moveSubtree(tx *sql.Tx, from, to string) error {
	lo, hi := subtreeRange(from)
	rows, err := tx.Query(`SELECT key, parent FROM nodes WHERE key = ? OR (key >= ? AND key < ?)`, from, lo, hi)
	if err != nil {
		return fmt.Errorf("select subtree %s: %w", from, err)
	}
	type move struct{ key, parent string }
	var moves []move
	for rows.Next() {
		var m move
		if err := rows.Scan(&m.key, &m.parent); err != nil {
			_ = rows.Close() // safe to ignore
			return fmt.Errorf("scan subtree %s: %w", from, err)
		}
		moves = append(moves, m)
	}
	_ = rows.Close() // safe to ignore
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range moves {
		newParent := m.parent
		if m.key != from {
			newParent = to + strings.TrimPrefix(m.parent, from)
		}
		newKey := to + strings.TrimPrefix(m.key, from)
		if _, err := tx.Exec(`UPDATE nodes SET key = ?, parent = ? WHERE key = ?`, newKey, newParent, m.key); err != nil {
			return fmt.Errorf("move %s: %w", m.key, err)
		}
	}
	return nil
}

// subtreeRange returns the half-open key range holding the descendants of key.
// '0' is the byte after '/'.
func subtreeRange(key string) (lo, hi string) {
	return key + "/", key + "0"
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.ContainsAny(name, "/[]") {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

func parseNullUUID(s sql.NullString) uuid.UUID {
	if !s.Valid {
		return uuid.Nil
	}
	u, err := uuid.Parse(s.String)
	if err != nil {
		return uuid.Nil
	}
	return u
}
