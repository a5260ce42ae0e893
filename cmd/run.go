// File: cmd/run.go
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/unlock-cli/internal/account"
	"github.com/xkilldash9x/unlock-cli/internal/browser"
	"github.com/xkilldash9x/unlock-cli/internal/config"
	"github.com/xkilldash9x/unlock-cli/internal/observability"
	"github.com/xkilldash9x/unlock-cli/internal/scheduler"
	"github.com/xkilldash9x/unlock-cli/internal/store"
)

// newRunCmd creates the `run` command, the batch entry point.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the unlock flow for every account in the input file",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags onto their viper keys so CLI overrides win over the
			// config file and environment.
			bindings := map[string]string{
				"output.dir":                      "output",
				"captcha.api_key":                 "api-key",
				"engine.max_concurrent_browsers":  "concurrency",
				"engine.max_attempts_per_account": "max-attempts",
				"browser.api_url":                 "api-url",
			}
			for key, flag := range bindings {
				if cmd.Flags().Changed(flag) {
					if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
						return err
					}
				}
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				viper.Set("logger.level", "debug")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var cfg config.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("failed to unmarshal config with flag overrides: %w", err)
			}
			observability.InitializeLogger(cfg.Logger)
			logger := observability.GetLogger()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			inputPath, _ := cmd.Flags().GetString("input")
			loaded, err := account.LoadFile(inputPath)
			if err != nil {
				return err
			}
			for _, perr := range loaded.Errors {
				logger.Warn("Skipping malformed input line",
					zap.Int("line", perr.Line),
					zap.String("reason", perr.Reason))
			}
			if len(loaded.Records) == 0 {
				return fmt.Errorf("no usable accounts in %s (%d malformed lines)", inputPath, len(loaded.Errors))
			}
			if cfg.Engine.RequireProxy {
				var missing []string
				for _, rec := range loaded.Records {
					if rec.Proxy == nil {
						missing = append(missing, rec.ID())
					}
				}
				if len(missing) > 0 {
					return fmt.Errorf("engine.require_proxy is set but %d accounts have no proxy: %s",
						len(missing), strings.Join(missing, ", "))
				}
			}

			logger.Info("Batch loaded",
				zap.String("input", inputPath),
				zap.Int("accounts", len(loaded.Records)),
				zap.Int("malformed_lines", len(loaded.Errors)))

			persister, err := store.NewPersister(cfg.Output.Dir, logger)
			if err != nil {
				return err
			}
			var history *store.History
			if cfg.Output.HistoryDB != "" {
				history, err = store.OpenHistory(filepath.Join(cfg.Output.Dir, cfg.Output.HistoryDB))
				if err != nil {
					logger.Warn("Run history disabled", zap.Error(err))
				} else {
					defer history.Close()
				}
			}

			client := browser.NewClient(cfg.Browser.APIURL, cfg.OpenTimeout(), cfg.Captcha.APIKey, logger)
			manager := browser.NewManager(client, cfg.PageTimeout(), logger)
			defer func() {
				if err := manager.Shutdown(cmd.Context()); err != nil {
					logger.Warn("Session manager shutdown incomplete", zap.Error(err))
				}
			}()

			sched := scheduler.New(&cfg, manager, persister, history, logger)
			summary := sched.Run(ctx, loaded.Records)

			// Per-account failures are data, not process errors: a fully
			// failed batch still exits zero once the report is written.
			fmt.Printf("\nBatch complete. Run ID: %s\n", summary.RunID)
			fmt.Printf("Success: %d/%d  Failed: %d  Elapsed: %s\n",
				summary.Succeeded, summary.Total, summary.Failed, summary.Elapsed.Round(time.Second))
			fmt.Printf("Artifacts written to %s\n", persister.Root())
			return nil
		},
	}

	runCmd.Flags().StringP("input", "i", "", "Path to the account input file (required)")
	runCmd.Flags().StringP("output", "o", "", "Output directory for cookies, results, and reports. (Overrides config/env)")
	runCmd.Flags().String("api-key", "", "Captcha resolver plugin API key. (Overrides config/env)")
	runCmd.Flags().String("api-url", "", "Browser provisioning service endpoint. (Overrides config/env)")
	runCmd.Flags().IntP("concurrency", "j", 0, "Maximum concurrent browser sessions. (Overrides config/env)")
	runCmd.Flags().Int("max-attempts", 0, "Maximum unlock attempts per account. (Overrides config/env)")
	runCmd.Flags().Bool("debug", false, "Enable debug logging")
	_ = runCmd.MarkFlagRequired("input")

	return runCmd
}
