package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "mend.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MEND_PORT")
	setString(&cfg.Server.BaseURL, "MEND_BASE_URL")
	setString(&cfg.Store.Path, "MEND_DB_PATH")
	setString(&cfg.Telemetry.ErrorLog, "MEND_ERROR_LOG")
	setInt(&cfg.Telemetry.WindowSize, "MEND_ERROR_WINDOW")
	setString(&cfg.Repo.Root, "MEND_REPO_ROOT")
	setString(&cfg.Repo.TrunkBranch, "MEND_TRUNK_BRANCH")
	setString(&cfg.Repo.BranchPrefix, "MEND_BRANCH_PREFIX")
	setDuration(&cfg.Repo.GitTimeout, "MEND_GIT_TIMEOUT")
	setInt(&cfg.Repo.MaxConcurrent, "MEND_GIT_MAX_CONCURRENT")
	setString(&cfg.LLM.BaseURL, "MEND_LLM_URL")
	setString(&cfg.LLM.Model, "MEND_LLM_MODEL")
	setInt(&cfg.LLM.MaxTokens, "MEND_LLM_MAX_TOKENS")
	setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	setInt(&cfg.Repair.MaxToolRounds, "MEND_MAX_TOOL_ROUNDS")
	setInt(&cfg.Repair.MaxErrorsPerRun, "MEND_MAX_ERRORS_PER_RUN")
	setString(&cfg.Repair.TestCommand, "MEND_TEST_COMMAND")
	setDuration(&cfg.Repair.TestTimeout, "MEND_TEST_TIMEOUT")
	setString(&cfg.Repair.SyntaxCommand, "MEND_SYNTAX_COMMAND")
	setInt(&cfg.Repair.APICallsPerHour, "MEND_API_CALLS_PER_HOUR")
	setDuration(&cfg.Repair.LeaseTTL, "MEND_LEASE_TTL")
	setDuration(&cfg.Schedule.RepairCheck, "MEND_SCHEDULE_REPAIR_CHECK")
	setDuration(&cfg.Schedule.DailyReport, "MEND_SCHEDULE_DAILY_REPORT")
	setDuration(&cfg.Schedule.HealthCheck, "MEND_SCHEDULE_HEALTH_CHECK")
	setString(&cfg.Notify.SlackWebhookURL, "MEND_SLACK_WEBHOOK_URL")
	setString(&cfg.Logging.Level, "MEND_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MEND_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "MEND_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MEND_BREAKER_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if cfg.Repo.Root == "" {
		return errors.New("repo.root is required")
	}
	if cfg.Repo.TrunkBranch == "" {
		return errors.New("repo.trunk_branch is required")
	}
	if cfg.Repair.MaxToolRounds < 1 {
		return errors.New("repair.max_tool_rounds must be >= 1")
	}
	if cfg.Repair.SeenSetSize < 1 {
		return errors.New("repair.seen_set_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
