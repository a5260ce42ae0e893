// File: internal/unlock/totp.go
package unlock

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// GenerateTOTP derives the current 6-digit code from a base32 seed.
// Seeds arrive from input files in mixed case and sometimes with spaces.
func GenerateTOTP(seed string, at time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(seed, " ", ""))
	code, err := totp.GenerateCode(normalized, at)
	if err != nil {
		return "", fmt.Errorf("generating totp code: %w", err)
	}
	return code, nil
}
