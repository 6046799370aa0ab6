package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/federa/internal/graph"
	"github.com/agentic-research/federa/internal/logging"
)

// recordsName is the node under which ImportSQLiteResults places records.
const recordsName = "records"

// StreamSQLite iterates over all records of the results(id, record) table,
// calling fn for each one. Only one parsed record is alive at a time.
func StreamSQLite(ctx context.Context, dbPath string, fn func(recordID string, record any) error) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }() // safe to ignore

	rows, err := db.QueryContext(ctx, "SELECT id, record FROM results ORDER BY rowid")
	if err != nil {
		return fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		parsed, err := oj.ParseString(raw)
		if err != nil {
			return fmt.Errorf("parse record %s: %w", id, err)
		}
		if err := fn(id, parsed); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ImportSQLiteResults copies every record of the results table at dbPath
// into g as /records/<id>. Object records become nodes with their fields as
// properties and children; other records are stored as a "value" property.
// It returns the number of records imported.
func ImportSQLiteResults(ctx context.Context, dbPath string, g graph.WritableGraph) (int, error) {
	logger := logr.FromContextOrDiscard(ctx)
	records := graph.RootPath().ChildNamed(recordsName)
	if _, err := g.GetNode(records); errors.Is(err, graph.ErrNotFound) {
		if records, err = g.CreateNode(graph.RootPath(), recordsName, nil); err != nil {
			return 0, fmt.Errorf("create /%s: %w", recordsName, err)
		}
	} else if err != nil {
		return 0, err
	}

	n := 0
	err := StreamSQLite(ctx, dbPath, func(id string, record any) error {
		if err := writeChild(g, records, id, record); err != nil {
			return fmt.Errorf("import record %s: %w", id, err)
		}
		n++
		if n%1000 == 0 {
			logger.V(logging.DEBUG).Info("Importing records", "db", dbPath, "count", n)
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	logger.V(logging.VERBOSE).Info("Imported records", "db", dbPath, "count", n)
	return n, nil
}
