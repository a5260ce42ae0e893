// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Captcha CaptchaConfig `mapstructure:"captcha" yaml:"captcha"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

// LoggerConfig controls the zap logger construction in internal/observability.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output, rotated by lumberjack. Empty disables the file core.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig describes the remote fingerprint-browser provisioning service.
type BrowserConfig struct {
	// APIURL is the HTTP endpoint of the provisioning service.
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
	// PageTimeoutSeconds bounds individual page actions (navigation, clicks).
	PageTimeoutSeconds int `mapstructure:"page_timeout_seconds" yaml:"page_timeout_seconds"`
	// OpenTimeoutSeconds bounds the provisioning open call, which can be slow
	// while the service spins up a fingerprinted profile.
	OpenTimeoutSeconds int  `mapstructure:"open_timeout_seconds" yaml:"open_timeout_seconds"`
	SaveScreenshots    bool `mapstructure:"save_screenshots" yaml:"save_screenshots"`
}

// CaptchaConfig configures the wait gate for the in-browser resolver plugin.
// The orchestrator never solves challenges itself; it only waits for the
// plugin to clear the challenge marker.
type CaptchaConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// PluginMaxWaitSeconds is the per-challenge-stage deadline. Each wait
	// stage gets its own full budget.
	PluginMaxWaitSeconds int `mapstructure:"plugin_max_wait_seconds" yaml:"plugin_max_wait_seconds"`
	PollIntervalSeconds  int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
}

// EngineConfig governs the scheduler and its retry policy.
type EngineConfig struct {
	MaxConcurrentBrowsers int `mapstructure:"max_concurrent_browsers" yaml:"max_concurrent_browsers"`
	MaxAttemptsPerAccount int `mapstructure:"max_attempts_per_account" yaml:"max_attempts_per_account"`
	BackoffBaseSeconds    int `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds"`
	BackoffCapSeconds     int `mapstructure:"backoff_cap_seconds" yaml:"backoff_cap_seconds"`
	// LaunchIntervalSeconds paces task starts so the provisioning service is
	// not hit with a thundering herd of open calls.
	LaunchIntervalSeconds int `mapstructure:"launch_interval_seconds" yaml:"launch_interval_seconds"`
	// RequireProxy makes an account without a proxy descriptor a startup
	// configuration error instead of a per-account failure.
	RequireProxy bool `mapstructure:"require_proxy" yaml:"require_proxy"`
	// TokenFallbackCountsAttempt charges a scheduler attempt when a token
	// login is rejected and the machine falls back to credential login.
	TokenFallbackCountsAttempt bool `mapstructure:"token_fallback_counts_attempt" yaml:"token_fallback_counts_attempt"`
}

// OutputConfig controls where run artifacts land.
type OutputConfig struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	ExportCookies bool   `mapstructure:"export_cookies" yaml:"export_cookies"`
	SuccessFile   string `mapstructure:"success_file" yaml:"success_file"`
	FailedFile    string `mapstructure:"failed_file" yaml:"failed_file"`
	HistoryDB     string `mapstructure:"history_db" yaml:"history_db"`
}

// SetDefaults registers the default value for every recognized key on the
// given viper instance. Call before ReadInConfig/Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "unlock-cli")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.api_url", "http://127.0.0.1:54345")
	v.SetDefault("browser.page_timeout_seconds", 60)
	v.SetDefault("browser.open_timeout_seconds", 30)
	v.SetDefault("browser.save_screenshots", true)

	v.SetDefault("captcha.plugin_max_wait_seconds", 120)
	v.SetDefault("captcha.poll_interval_seconds", 1)

	v.SetDefault("engine.max_concurrent_browsers", 5)
	v.SetDefault("engine.max_attempts_per_account", 3)
	v.SetDefault("engine.backoff_base_seconds", 5)
	v.SetDefault("engine.backoff_cap_seconds", 60)
	v.SetDefault("engine.launch_interval_seconds", 2)
	v.SetDefault("engine.require_proxy", true)
	v.SetDefault("engine.token_fallback_counts_attempt", false)

	v.SetDefault("output.dir", "./output")
	v.SetDefault("output.export_cookies", true)
	v.SetDefault("output.success_file", "success.txt")
	v.SetDefault("output.failed_file", "failed.txt")
	v.SetDefault("output.history_db", "history.db")
}

// Validate rejects configurations that would make a run meaningless or
// unbounded. Called once at startup; failures are fatal.
func (c *Config) Validate() error {
	if c.Browser.APIURL == "" {
		return fmt.Errorf("browser.api_url must not be empty")
	}
	if c.Browser.PageTimeoutSeconds < 10 || c.Browser.PageTimeoutSeconds > 300 {
		return fmt.Errorf("browser.page_timeout_seconds must be in [10, 300], got %d", c.Browser.PageTimeoutSeconds)
	}
	if c.Captcha.PluginMaxWaitSeconds < 10 || c.Captcha.PluginMaxWaitSeconds > 600 {
		return fmt.Errorf("captcha.plugin_max_wait_seconds must be in [10, 600], got %d", c.Captcha.PluginMaxWaitSeconds)
	}
	if c.Captcha.PollIntervalSeconds < 1 {
		return fmt.Errorf("captcha.poll_interval_seconds must be at least 1, got %d", c.Captcha.PollIntervalSeconds)
	}
	if c.Engine.MaxConcurrentBrowsers < 1 || c.Engine.MaxConcurrentBrowsers > 20 {
		return fmt.Errorf("engine.max_concurrent_browsers must be in [1, 20], got %d", c.Engine.MaxConcurrentBrowsers)
	}
	if c.Engine.MaxAttemptsPerAccount < 1 || c.Engine.MaxAttemptsPerAccount > 10 {
		return fmt.Errorf("engine.max_attempts_per_account must be in [1, 10], got %d", c.Engine.MaxAttemptsPerAccount)
	}
	if c.Engine.BackoffBaseSeconds < 1 {
		return fmt.Errorf("engine.backoff_base_seconds must be at least 1, got %d", c.Engine.BackoffBaseSeconds)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}
	return nil
}

// PageTimeout returns the page action timeout as a duration.
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.Browser.PageTimeoutSeconds) * time.Second
}

// OpenTimeout returns the provisioning open-call timeout.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.Browser.OpenTimeoutSeconds) * time.Second
}

// PluginMaxWait returns the per-stage challenge wait budget.
func (c *Config) PluginMaxWait() time.Duration {
	return time.Duration(c.Captcha.PluginMaxWaitSeconds) * time.Second
}

// PollInterval returns the challenge polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Captcha.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay; subsequent attempts double it.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Engine.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the ceiling applied to the exponential retry delay.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Engine.BackoffCapSeconds) * time.Second
}
