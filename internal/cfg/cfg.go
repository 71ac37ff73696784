package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds beacon-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	SQLitePath            string
	RulesPath             string
	SlackWebhookURL       string
	ClaudeAPIKey          string
	ClaudeModel           string
	ReopenWindow          time.Duration
	StatsWindow           time.Duration
	SimilarityTokenWeight float64
	SimilarityLabelWeight float64
	SimilarityMinScore    float64
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = sqlite or in-memory store)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file path (empty = in-memory store when no database URL is set)")
	fs.StringVar(&c.RulesPath, "rules-path", "", "YAML file with per-source fingerprint label rules (empty = defaults)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for incident notifications")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = remediation suggestions disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.DurationVar(&c.ReopenWindow, "reopen-window", 24*time.Hour, "window after resolution in which a recurring alert reopens its incident")
	fs.DurationVar(&c.StatsWindow, "stats-window", 7*24*time.Hour, "default rolling window for resolution-time statistics (max 720h)")
	fs.Float64Var(&c.SimilarityTokenWeight, "similarity-token-weight", 0.7, "weight of token cosine similarity in the combined score (0..1)")
	fs.Float64Var(&c.SimilarityLabelWeight, "similarity-label-weight", 0.3, "weight of label overlap in the combined score (0..1)")
	fs.Float64Var(&c.SimilarityMinScore, "similarity-min-score", 0.1, "minimum combined score for a similarity match (0..1)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Bearer token is required for all API access
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Postgres and SQLite backends are mutually exclusive
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	// Claude model only matters when the advisor is enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.ReopenWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid REOPEN_WINDOW %s (must be positive)", c.ReopenWindow))
	}
	if c.StatsWindow <= 0 || c.StatsWindow > 720*time.Hour {
		errs = append(errs, fmt.Errorf("invalid STATS_WINDOW %s (must be in (0, 720h])", c.StatsWindow))
	}

	if c.SimilarityTokenWeight < 0 || c.SimilarityTokenWeight > 1 {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_TOKEN_WEIGHT %g (must be 0..1)", c.SimilarityTokenWeight))
	}
	if c.SimilarityLabelWeight < 0 || c.SimilarityLabelWeight > 1 {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_LABEL_WEIGHT %g (must be 0..1)", c.SimilarityLabelWeight))
	}
	if c.SimilarityTokenWeight+c.SimilarityLabelWeight <= 0 {
		errs = append(errs, errors.New("similarity weights must not both be zero"))
	}
	if c.SimilarityMinScore < 0 || c.SimilarityMinScore >= 1 {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_MIN_SCORE %g (must be in [0, 1))", c.SimilarityMinScore))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
