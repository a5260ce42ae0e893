// File: internal/store/persister_test.go
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

func testPersister(t *testing.T) *Persister {
	t.Helper()
	p, err := NewPersister(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestSaveResultSuccessWritesCookies(t *testing.T) {
	p := testPersister(t)

	res := &unlock.Result{
		AccountID: "alice",
		Outcome:   unlock.OutcomeSuccess,
		State:     unlock.StateSuccess,
		Cookies:   map[string]string{"auth_token": "abc", "ct0": "def"},
		Duration:  90 * time.Second,
		Attempts:  2,
	}
	require.NoError(t, p.SaveResult(res))

	raw, err := os.ReadFile(filepath.Join(p.Root(), "alice", "cookies.json"))
	require.NoError(t, err)
	var cookies map[string]string
	require.NoError(t, json.Unmarshal(raw, &cookies))
	assert.Equal(t, res.Cookies, cookies)

	raw, err = os.ReadFile(filepath.Join(p.Root(), "alice", "result.json"))
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, "success", record["outcome"])
	assert.Equal(t, float64(2), record["attempts"])
	assert.Equal(t, float64(90000), record["duration_ms"])
}

func TestSaveResultFailureSkipsCookies(t *testing.T) {
	p := testPersister(t)

	res := &unlock.Result{
		AccountID: "bob",
		Outcome:   unlock.OutcomeFailed,
		Failure:   unlock.FailCaptchaTimeout,
		State:     unlock.StateFailed,
		Attempts:  3,
	}
	require.NoError(t, p.SaveResult(res))

	_, err := os.Stat(filepath.Join(p.Root(), "bob", "cookies.json"))
	assert.True(t, os.IsNotExist(err))

	raw, err := os.ReadFile(filepath.Join(p.Root(), "bob", "result.json"))
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, "captcha_timeout", record["failure"])
}

func TestSaveScreenshot(t *testing.T) {
	p := testPersister(t)

	require.NoError(t, p.SaveScreenshot("alice", "FAILED", []byte{0x89, 0x50}))
	// Empty captures are dropped without creating a file.
	require.NoError(t, p.SaveScreenshot("alice", "FAILED", nil))

	entries, err := os.ReadDir(filepath.Join(p.Root(), "alice"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "FAILED_")
	assert.Contains(t, entries[0].Name(), ".png")
}

func TestWriteBatchReport(t *testing.T) {
	p := testPersister(t)

	results := []*unlock.Result{
		{AccountID: "alice", Outcome: unlock.OutcomeSuccess, State: unlock.StateSuccess, Attempts: 1},
		{AccountID: "bob", Outcome: unlock.OutcomeFailed, Failure: unlock.FailRiskBlocked, Reason: "risk_blocked: automation block during login", State: unlock.StateRiskBlocked, Attempts: 1},
		{AccountID: "carol", Outcome: unlock.OutcomeSuccess, State: unlock.StateSuccess, Attempts: 2},
	}
	require.NoError(t, p.WriteBatchReport(results, 5*time.Minute))

	summary, err := os.ReadFile(filepath.Join(p.Root(), "summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Total: 3  Success: 2  Failed: 1")
	// Report order follows input order, not completion order.
	assert.Regexp(t, `(?s)alice.*bob.*carol`, string(summary))

	success, err := os.ReadFile(filepath.Join(p.Root(), "success.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alice\ncarol\n", string(success))

	failed, err := os.ReadFile(filepath.Join(p.Root(), "failed.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(failed), "bob\trisk_blocked")
}
