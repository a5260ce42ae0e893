// File: internal/store/summary.go
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xkilldash9x/unlock-cli/internal/unlock"
)

// WriteBatchReport writes summary.txt, success.txt, and failed.txt under the
// output root. Results must arrive in input-file order; the report preserves
// that order so a batch is diffable against its input.
func (p *Persister) WriteBatchReport(results []*unlock.Result, elapsed time.Duration) error {
	var summary, successes, failures strings.Builder

	succeeded := 0
	for _, res := range results {
		if res.Outcome == unlock.OutcomeSuccess {
			succeeded++
			successes.WriteString(res.AccountID)
			successes.WriteByte('\n')
		} else {
			fmt.Fprintf(&failures, "%s\t%s\t%s\n", res.AccountID, res.Failure, res.Reason)
		}
	}

	fmt.Fprintf(&summary, "Batch finished at %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&summary, "Elapsed: %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(&summary, "Total: %d  Success: %d  Failed: %d\n\n", len(results), succeeded, len(results)-succeeded)
	for _, res := range results {
		status := "OK"
		detail := ""
		if res.Outcome != unlock.OutcomeSuccess {
			status = "FAIL"
			detail = fmt.Sprintf(" (%s)", res.Failure)
		}
		fmt.Fprintf(&summary, "%-6s %s attempts=%d duration=%s%s\n",
			status, res.AccountID, res.Attempts, res.Duration.Round(time.Second), detail)
	}

	files := map[string]string{
		"summary.txt": summary.String(),
		"success.txt": successes.String(),
		"failed.txt":  failures.String(),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(p.root, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
