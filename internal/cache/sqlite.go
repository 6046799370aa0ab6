package cache

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
	"github.com/agentic-research/federa/internal/merge"
)

// SQLiteStore persists merge plans so that a restarted repository keeps
// its node identities and unexpired contributions.
//
// Plans are stored in their versioned JSON form. The source_index table
// maps each source to a serialized roaring bitmap of plan ids; ids are
// never reused, so stale bits in a bitmap are harmless.
type SQLiteStore struct {
	db     *sql.DB
	logger logr.Logger
	mu     sync.Mutex
}

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS merge_plans (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace TEXT NOT NULL,
	path_key  TEXT NOT NULL,
	plan      BLOB NOT NULL,
	UNIQUE (workspace, path_key)
);
CREATE TABLE IF NOT EXISTS source_index (
	source TEXT PRIMARY KEY,
	ids    BLOB NOT NULL
);
`

// OpenSQLiteStore opens (creating if needed) a plan store at dbPath.
// Failures after opening are logged on logger and treated as misses.
func OpenSQLiteStore(dbPath string, logger logr.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open plan store %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("create plan tables: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.WithName("plan-store")}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(workspace string, path graph.Path) (*merge.Plan, bool) {
	var data []byte
	err := s.db.QueryRow(`SELECT plan FROM merge_plans WHERE workspace = ? AND path_key = ?`,
		workspace, path.Key()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Error(err, "Reading cached plan failed", "workspace", workspace, "path", path.String())
		return nil, false
	}
	plan, err := merge.UnmarshalPlan(data)
	if err != nil {
		s.logger.V(logging.DEBUG).Info("Dropping unreadable cached plan", "path", path.String(), "err", err.Error())
		s.Invalidate(workspace, path)
		return nil, false
	}
	return plan, true
}

func (s *SQLiteStore) Put(workspace string, path graph.Path, plan *merge.Plan) {
	if plan == nil {
		return
	}
	if err := s.put(workspace, path, plan); err != nil {
		s.logger.Error(err, "Storing plan failed", "workspace", workspace, "path", path.String())
	}
}

func (s *SQLiteStore) put(workspace string, path graph.Path, plan *merge.Plan) error {
	data, err := merge.MarshalPlan(plan)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	// A replaced plan gets a fresh id so its old source bits go stale.
	if _, err := tx.Exec(`DELETE FROM merge_plans WHERE workspace = ? AND path_key = ?`, workspace, path.Key()); err != nil {
		return fmt.Errorf("delete old plan: %w", err)
	}
	res, err := tx.Exec(`INSERT INTO merge_plans (workspace, path_key, plan) VALUES (?, ?, ?)`,
		workspace, path.Key(), data)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, src := range sources(plan) {
		bm, err := loadBitmap(tx, src)
		if err != nil {
			return err
		}
		bm.Add(uint32(id))
		if err := storeBitmap(tx, src, bm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Invalidate(workspace string, path graph.Path) {
	var err error
	if path.IsRoot() {
		_, err = s.db.Exec(`DELETE FROM merge_plans WHERE workspace = ?`, workspace)
	} else {
		key := path.Key()
		_, err = s.db.Exec(`DELETE FROM merge_plans WHERE workspace = ? AND (path_key = ? OR (path_key >= ? AND path_key < ?))`,
			workspace, key, key+"/", key+"0")
	}
	if err != nil {
		s.logger.Error(err, "Invalidating plans failed", "workspace", workspace, "path", path.String())
	}
}

func (s *SQLiteStore) InvalidateSource(source string) int {
	n, err := s.invalidateSource(source)
	if err != nil {
		s.logger.Error(err, "Invalidating source failed", "source", source)
	}
	return n
}

func (s *SQLiteStore) invalidateSource(source string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore

	bm, err := loadBitmap(tx, source)
	if err != nil {
		return 0, err
	}
	n := 0
	it := bm.Iterator()
	for it.HasNext() {
		res, err := tx.Exec(`DELETE FROM merge_plans WHERE id = ?`, it.Next())
		if err != nil {
			return 0, fmt.Errorf("delete plan: %w", err)
		}
		if k, _ := res.RowsAffected(); k > 0 {
			n += int(k)
		}
	}
	if _, err := tx.Exec(`DELETE FROM source_index WHERE source = ?`, source); err != nil {
		return 0, fmt.Errorf("delete source index: %w", err)
	}
	return n, tx.Commit()
}

func loadBitmap(tx *sql.Tx, source string) (*roaring.Bitmap, error) {
	bm := roaring.New()
	var blob []byte
	err := tx.QueryRow(`SELECT ids FROM source_index WHERE source = ?`, source).Scan(&blob)
	if err == sql.ErrNoRows {
		return bm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read source index %q: %w", source, err)
	}
	if err := bm.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("unmarshal source index %q: %w", source, err)
	}
	return bm, nil
}

func storeBitmap(tx *sql.Tx, source string, bm *roaring.Bitmap) error {
	bm.RunOptimize()
	blob, err := bm.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal source index %q: %w", source, err)
	}
	_, err = tx.Exec(`INSERT INTO source_index (source, ids) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET ids = excluded.ids`, source, blob)
	if err != nil {
		return fmt.Errorf("write source index %q: %w", source, err)
	}
	return nil
}
