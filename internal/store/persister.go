// File: internal/store/persister.go

// Package store writes unlock artifacts: per-account cookie jars and result
// records, batch roll-up files, and a run history database.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

// Persister lays out one directory per account under the batch output root.
type Persister struct {
	root string
	log  *zap.Logger
}

func NewPersister(root string, logger *zap.Logger) (*Persister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating output root: %w", err)
	}
	return &Persister{root: root, log: logger}, nil
}

// Root returns the batch output directory.
func (p *Persister) Root() string { return p.root }

func (p *Persister) accountDir(accountID string) (string, error) {
	dir := filepath.Join(p.root, accountID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating account dir: %w", err)
	}
	return dir, nil
}

// SaveResult writes the account's result.json and, on success, its
// cookies.json. The cookie write happens first so a partial failure still
// leaves the valuable artifact behind.
func (p *Persister) SaveResult(res *unlock.Result) error {
	dir, err := p.accountDir(res.AccountID)
	if err != nil {
		return err
	}
	if res.Outcome == unlock.OutcomeSuccess {
		if err := writeJSON(filepath.Join(dir, "cookies.json"), res.Cookies); err != nil {
			return fmt.Errorf("writing cookies: %w", err)
		}
	}
	record := struct {
		AccountID  string             `json:"account_id"`
		Outcome    unlock.Outcome     `json:"outcome"`
		Failure    unlock.FailureKind `json:"failure,omitempty"`
		Reason     string             `json:"reason,omitempty"`
		State      unlock.State       `json:"final_state"`
		DurationMS int64              `json:"duration_ms"`
		Attempts   int                `json:"attempts"`
		FinishedAt time.Time          `json:"finished_at"`
	}{
		AccountID:  res.AccountID,
		Outcome:    res.Outcome,
		Failure:    res.Failure,
		Reason:     res.Reason,
		State:      res.State,
		DurationMS: res.Duration.Milliseconds(),
		Attempts:   res.Attempts,
		FinishedAt: time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(dir, "result.json"), record); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

// SaveScreenshot drops a labeled PNG into the account's directory. Used for
// failure forensics; an empty capture is skipped.
func (p *Persister) SaveScreenshot(accountID, label string, png []byte) error {
	if len(png) == 0 {
		return nil
	}
	dir, err := p.accountDir(accountID)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s.png", label, time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(filepath.Join(dir, name), png, 0o644); err != nil {
		return fmt.Errorf("writing screenshot: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
