// File: internal/store/history.go
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    total       INTEGER NOT NULL DEFAULT 0,
    succeeded   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    account_id  TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    failure     TEXT,
    final_state TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_account ON attempts(run_id, account_id);
`

// History records every attempt of every run in a local sqlite database so
// repeated batches against the same accounts can be audited later.
type History struct {
	db *sqlx.DB
}

// OpenHistory opens (and if needed bootstraps) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping history schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error { return h.db.Close() }

// BeginRun registers a new batch.
func (h *History) BeginRun(ctx context.Context, runID string, total int) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, total) VALUES (?, ?, ?)`,
		runID, time.Now().UTC(), total)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// RecordAttempt stores one attempt's outcome.
func (h *History) RecordAttempt(ctx context.Context, runID string, res *unlock.Result) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, account_id, attempt, outcome, failure, final_state, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.AccountID, res.Attempts, string(res.Outcome), string(res.Failure),
		string(res.State), res.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// FinishRun closes out the batch row.
func (h *History) FinishRun(ctx context.Context, runID string, succeeded int) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, succeeded = ? WHERE id = ?`,
		time.Now().UTC(), succeeded, runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}
