// File: internal/store/history_test.go
package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

func TestHistoryRoundTrip(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	require.NoError(t, h.BeginRun(ctx, "run-1", 2))

	require.NoError(t, h.RecordAttempt(ctx, "run-1", &unlock.Result{
		AccountID: "alice",
		Outcome:   unlock.OutcomeFailed,
		Failure:   unlock.FailCaptchaTimeout,
		State:     unlock.StateFailed,
		Duration:  2 * time.Minute,
		Attempts:  1,
	}))
	require.NoError(t, h.RecordAttempt(ctx, "run-1", &unlock.Result{
		AccountID: "alice",
		Outcome:   unlock.OutcomeSuccess,
		State:     unlock.StateSuccess,
		Duration:  time.Minute,
		Attempts:  2,
	}))
	require.NoError(t, h.FinishRun(ctx, "run-1", 1))

	var attempts int
	require.NoError(t, h.db.Get(&attempts, `SELECT COUNT(*) FROM attempts WHERE run_id = ? AND account_id = ?`, "run-1", "alice"))
	assert.Equal(t, 2, attempts)

	var run struct {
		Total     int `db:"total"`
		Succeeded int `db:"succeeded"`
	}
	require.NoError(t, h.db.Get(&run, `SELECT total, succeeded FROM runs WHERE id = ?`, "run-1"))
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 1, run.Succeeded)
}

func TestOpenHistoryReopensExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	h1, err := OpenHistory(path)
	require.NoError(t, err)
	require.NoError(t, h1.BeginRun(context.Background(), "run-1", 1))
	require.NoError(t, h1.Close())

	h2, err := OpenHistory(path)
	require.NoError(t, err)
	defer h2.Close()

	var runs int
	require.NoError(t, h2.db.Get(&runs, `SELECT COUNT(*) FROM runs`))
	assert.Equal(t, 1, runs)
}
