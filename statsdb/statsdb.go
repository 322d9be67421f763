// Package statsdb persists the CS ingress's two observability counters
// (spec §4.2: "Counters MAY be maintained for observability
// (successful_requests, service_unavailable_count); they are not
// protocol-visible") to a small SQLite database, so a GET /stats debug
// endpoint survives a Container Side process restart.
//
// this is purely observability: nothing in the allocator or the ingress's
// request path reads from this package to make a decision, only to record
// one after the fact. grounded on the teacher's db.Database wrapper and
// schema-migration pattern (db/db.go), reduced to a single counters row
// instead of a full deployments table.
package statsdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	// the underscore import registers the go-sqlite3 driver with database/sql.
	// it is never referenced directly; only its init() side effect is needed.
	_ "github.com/mattn/go-sqlite3"
)

// Stats is a wrapper around *sql.DB exposing only the counter operations
// this module needs. wrapping rather than embedding keeps the exposed
// surface intentional, same rationale as the teacher's Database type.
type Stats struct {
	connection *sql.DB
	logger     *slog.Logger
}

// schema creates a single-row counters table. the row is seeded by migrate
// with INSERT OR IGNORE so repeated startups never duplicate it.
const schema = `
CREATE TABLE IF NOT EXISTS fabric_stats (
    id                         INTEGER PRIMARY KEY CHECK (id = 1),
    successful_requests        INTEGER NOT NULL DEFAULT 0,
    service_unavailable_count  INTEGER NOT NULL DEFAULT 0
);
`

// Open opens the SQLite database at dbPath, runs the schema migration, and
// returns a ready-to-use *Stats. the parent directory is created if it
// does not already exist, so the caller does not need to pre-create the
// path on disk.
func Open(dbPath string, logger *slog.Logger) (*Stats, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats database directory %q: %w", dir, err)
	}

	connection, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %q: %w", dbPath, err)
	}

	// SQLite does not support concurrent writes from multiple connections;
	// one counters row updated by many ingress goroutines needs exactly one.
	connection.SetMaxOpenConns(1)

	stats := &Stats{connection: connection, logger: logger}

	if _, err := stats.connection.Exec(schema); err != nil {
		return nil, fmt.Errorf("stats database migration failed: %w", err)
	}
	if _, err := stats.connection.Exec(`INSERT OR IGNORE INTO fabric_stats (id) VALUES (1)`); err != nil {
		return nil, fmt.Errorf("stats database seed row failed: %w", err)
	}

	logger.Info("stats database opened and migrated", "path", dbPath)
	return stats, nil
}

// Close releases the underlying database connection. should be deferred
// in main.go immediately after Open returns successfully.
func (s *Stats) Close() error {
	return s.connection.Close()
}

// RecordSuccess increments successful_requests by one. called once per
// ingress exchange that completes with a response successfully relayed
// back to the calling workload (spec §4.2 point 4).
func (s *Stats) RecordSuccess() {
	s.increment("successful_requests")
}

// RecordServiceUnavailable increments service_unavailable_count by one.
// the ingress calls it for every 503 (channel saturation or rate
// limiting, spec §4.2 point 5) and also for the 502s caused by any other
// allocation failure or a failed data-channel exchange; 502s from a
// failed socket claim are not counted.
func (s *Stats) RecordServiceUnavailable() {
	s.increment("service_unavailable_count")
}

func (s *Stats) increment(column string) {
	// column is always one of the two constants above, never caller input,
	// so building the query with fmt.Sprintf here carries no injection risk.
	query := fmt.Sprintf(`UPDATE fabric_stats SET %s = %s + 1 WHERE id = 1`, column, column)
	if _, err := s.connection.Exec(query); err != nil {
		// counters are best-effort observability; a failure here must
		// never fail the HTTP exchange it is recording.
		s.logger.Warn("stats counter update failed", "column", column, "error", err)
	}
}

// Snapshot is the current value of both counters, returned by GET /stats.
type Snapshot struct {
	SuccessfulRequests      int64 `json:"successful_requests"`
	ServiceUnavailableCount int64 `json:"service_unavailable_count"`
}

// Read returns the current counter values.
func (s *Stats) Read() (Snapshot, error) {
	var snap Snapshot
	row := s.connection.QueryRow(`SELECT successful_requests, service_unavailable_count FROM fabric_stats WHERE id = 1`)
	if err := row.Scan(&snap.SuccessfulRequests, &snap.ServiceUnavailableCount); err != nil {
		return Snapshot{}, fmt.Errorf("stats snapshot query failed: %w", err)
	}
	return snap, nil
}
