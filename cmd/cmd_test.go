// File: cmd/cmd_test.go
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandFlags(t *testing.T) {
	cmd := newRunCmd()

	for _, name := range []string{"input", "output", "api-key", "api-url", "concurrency", "max-attempts", "debug"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %q", name)
	}

	// --input is the only required flag.
	ann := cmd.Flags().Lookup("input").Annotations
	require.Contains(t, ann, "cobra_annotation_bash_completion_one_required_flag")
}

func TestRootCommandWiring(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))

	names := make([]string, 0, len(rootCmd.Commands()))
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
}
