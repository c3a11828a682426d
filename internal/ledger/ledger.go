// Package ledger persists terminal submission outcomes to an append-only
// SQLite table. The ledger is the system's memory across restarts: the
// success-rate model can be rebuilt from it, and operators reconcile
// realized profit against it.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/stanmart1/mev-sub005/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	bundle_id        TEXT    NOT NULL,
	submitted_at_ns  INTEGER NOT NULL,
	terminal_state   TEXT    NOT NULL,
	landed_slot      INTEGER NOT NULL DEFAULT 0,
	latency_ns       INTEGER NOT NULL DEFAULT 0,
	realized_profit  INTEGER NOT NULL DEFAULT 0,
	features_json    TEXT    NOT NULL DEFAULT '',
	recorded_at      TEXT    NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_submissions_state ON submissions(terminal_state);
`

// Ledger is the append-only outcome store. Writes are serialized through a
// single mutex; SQLite in WAL mode handles concurrent readers.
type Ledger struct {
	mu   sync.Mutex
	conn *sql.DB
}

// Open creates or opens the ledger database at path, applying the schema.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Ledger{conn: conn}, nil
}

// Record appends one terminal submission record. Records are never updated
// or deleted.
func (l *Ledger) Record(rec types.SubmissionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.conn.Exec(`
		INSERT INTO submissions
			(bundle_id, submitted_at_ns, terminal_state, landed_slot,
			 latency_ns, realized_profit, features_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.BundleID.String(), rec.SubmittedAt, string(rec.State),
		rec.LandedSlot, rec.LatencyNs, rec.RealizedProfitLamports,
		rec.FeaturesJSON,
	)
	if err != nil {
		return fmt.Errorf("insert submission record: %w", err)
	}
	return nil
}

// Stats summarizes lifetime outcomes.
type Stats struct {
	Total         int64
	Landed        int64
	RealizedTotal int64 // lamports, landed bundles only
}

// Stats aggregates the ledger for the health endpoint.
func (l *Ledger) Stats() (Stats, error) {
	var s Stats
	row := l.conn.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN terminal_state = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN terminal_state = ? THEN realized_profit ELSE 0 END), 0)
		FROM submissions`,
		string(types.StateLanded), string(types.StateLanded))
	if err := row.Scan(&s.Total, &s.Landed, &s.RealizedTotal); err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return s, nil
}

// Recent returns the most recent records, newest first.
func (l *Ledger) Recent(limit int) ([]types.SubmissionRecord, error) {
	rows, err := l.conn.Query(`
		SELECT bundle_id, submitted_at_ns, terminal_state, landed_slot,
		       latency_ns, realized_profit, features_json
		FROM submissions ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger recent: %w", err)
	}
	defer rows.Close()

	var out []types.SubmissionRecord
	for rows.Next() {
		var rec types.SubmissionRecord
		var id, state string
		if err := rows.Scan(&id, &rec.SubmittedAt, &state, &rec.LandedSlot,
			&rec.LatencyNs, &rec.RealizedProfitLamports, &rec.FeaturesJSON); err != nil {
			return nil, fmt.Errorf("scan submission record: %w", err)
		}
		if parsed, err := uuid.Parse(id); err == nil {
			rec.BundleID = parsed
		}
		rec.State = types.BundleState(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.conn.Close() }
