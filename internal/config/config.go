// Package config provides hierarchical configuration loading for mend.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the mend daemon.
type Config struct {
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	Telemetry Telemetry `yaml:"telemetry"`
	Repo      Repo      `yaml:"repo"`
	LLM       LLM       `yaml:"llm"`
	Repair    Repair    `yaml:"repair"`
	Schedule  Schedule  `yaml:"schedule"`
	Notify    Notify    `yaml:"notify"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Safety    Safety    `yaml:"safety"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port    string `yaml:"port"`
	BaseURL string `yaml:"base_url"` // external URL used in approve/reject links
}

// Store holds the embedded SQLite store configuration.
type Store struct {
	Path string `yaml:"path"`
}

// Telemetry holds the structured error log consumed by the repair agent.
type Telemetry struct {
	ErrorLog   string `yaml:"error_log"`
	WindowSize int    `yaml:"window_size"` // recent records considered per check
}

// Repo holds the working tree the sandbox operates on.
type Repo struct {
	Root          string        `yaml:"root"`
	TrunkBranch   string        `yaml:"trunk_branch"`
	BranchPrefix  string        `yaml:"branch_prefix"`
	GitTimeout    time.Duration `yaml:"git_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"` // git subprocess pool size
}

// LLM holds the chat provider configuration. The API key comes from the
// environment only; absence is a configuration error at startup.
type LLM struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	APIKey    string `yaml:"-"`
}

// Repair holds repair session limits.
type Repair struct {
	MaxToolRounds   int           `yaml:"max_tool_rounds"`
	MaxErrorsPerRun int           `yaml:"max_errors_per_run"`
	SeenSetSize     int           `yaml:"seen_set_size"`
	TestCommand     string        `yaml:"test_command"`
	TestTimeout     time.Duration `yaml:"test_timeout"`
	SyntaxCommand   string        `yaml:"syntax_command"`
	SyntaxTimeout   time.Duration `yaml:"syntax_timeout"`
	APICallsPerHour int           `yaml:"api_calls_per_hour"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
}

// Schedule holds scheduler intervals. A zero interval disables the task.
type Schedule struct {
	RepairCheck time.Duration `yaml:"repair_check"`
	DailyReport time.Duration `yaml:"daily_report"`
	HealthCheck time.Duration `yaml:"health_check"`
}

// Notify holds outbound notification configuration.
type Notify struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for LLM calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Safety holds path blocklist configuration for the sandbox.
type Safety struct {
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:    "8500",
			BaseURL: "http://localhost:8500",
		},
		Store: Store{
			Path: "mend.db",
		},
		Telemetry: Telemetry{
			ErrorLog:   "logs/errors.jsonl",
			WindowSize: 30,
		},
		Repo: Repo{
			Root:          ".",
			TrunkBranch:   "main",
			BranchPrefix:  "fix/",
			GitTimeout:    30 * time.Second,
			MaxConcurrent: 4,
		},
		LLM: LLM{
			BaseURL:   "https://api.anthropic.com",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Repair: Repair{
			MaxToolRounds:   15,
			MaxErrorsPerRun: 5,
			SeenSetSize:     200,
			TestCommand:     "go test ./...",
			TestTimeout:     2 * time.Minute,
			SyntaxCommand:   "gofmt -l -e",
			SyntaxTimeout:   10 * time.Second,
			APICallsPerHour: 100,
			LeaseTTL:        30 * time.Minute,
		},
		Schedule: Schedule{
			RepairCheck: 30 * time.Minute,
			DailyReport: 24 * time.Hour,
			HealthCheck: 10 * time.Minute,
		},
		Logging: Logging{
			Level:   "info",
			Service: "mendd",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Safety: Safety{
			BlockedPatterns: []string{
				`\.env$`,
				`client_secret.*\.json$`,
				`token.*\.json$`,
				`session\.json$`,
				`credentials\.json$`,
			},
		},
	}
}
