// Package config holds runtime configuration for swarm.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/swarm-dev/swarm/internal/errors"
)

// Config is the resolved swarm configuration. Resolution order is
// flag > SWARM_* env > .swarm/config.yaml > defaults.
type Config struct {
	// Run caps
	Concurrency int `mapstructure:"concurrency"`
	MaxCycles   int `mapstructure:"max_cycles"`

	// External tools
	AgentCommand    string `mapstructure:"agent_command"`
	ReviewerCommand string `mapstructure:"reviewer_command"`
	SemgrepCommand  string `mapstructure:"semgrep_command"`
	SemgrepConfig   string `mapstructure:"semgrep_config"`
	TestCommand     string `mapstructure:"test_command"`

	// Budget monitor
	UsageEndpoint     string        `mapstructure:"usage_endpoint"`
	UsageToken        string        `mapstructure:"usage_token"`
	WindDownThreshold float64       `mapstructure:"usage_threshold"`
	CriticalThreshold float64       `mapstructure:"critical_threshold"`
	ResumeThreshold   float64       `mapstructure:"resume_threshold"`
	BudgetPoll        time.Duration `mapstructure:"budget_poll"`

	// Reviewer driver
	ReviewTimeout   time.Duration `mapstructure:"review_timeout"`
	MaxReviewRounds int           `mapstructure:"max_review_rounds"`
	RateLimitPause  time.Duration `mapstructure:"rate_limit_pause"`

	// Flow tracer
	MaxFlows          int `mapstructure:"max_flows"`
	TracerConcurrency int `mapstructure:"tracer_concurrency"`

	// Engine
	EnginePoll  time.Duration `mapstructure:"engine_poll"`
	GraceWindow time.Duration `mapstructure:"grace_window"`

	// Feature toggles
	SkipReview     bool `mapstructure:"skip_review"`
	SkipFlowReview bool `mapstructure:"skip_flow_review"`
	DryRun         bool `mapstructure:"dry_run"`
	CurrentBranch  bool `mapstructure:"current_branch"`
	Interactive    bool `mapstructure:"interactive"`
	Verbose        bool `mapstructure:"verbose"`

	// ContextFile is optional extra planner context supplied by the user.
	ContextFile string `mapstructure:"context_file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:       3,
		MaxCycles:         5,
		AgentCommand:      "claude",
		ReviewerCommand:   "codex",
		SemgrepCommand:    "semgrep",
		SemgrepConfig:     "auto",
		TestCommand:       "",
		UsageEndpoint:     "",
		WindDownThreshold: 0.80,
		CriticalThreshold: 0.90,
		ResumeThreshold:   0.50,
		BudgetPoll:        30 * time.Second,
		ReviewTimeout:     5 * time.Minute,
		MaxReviewRounds:   5,
		RateLimitPause:    5 * time.Hour,
		MaxFlows:          8,
		TracerConcurrency: 3,
		EnginePoll:        5 * time.Second,
		GraceWindow:       2 * time.Minute,
	}
}

// Load resolves configuration for a project directory using viper.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(projectDir + "/.swarm")
	v.SetEnvPrefix("SWARM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(errors.CodeConfigInvalid, "read config", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.CodeConfigInvalid, "unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("max_cycles", d.MaxCycles)
	v.SetDefault("agent_command", d.AgentCommand)
	v.SetDefault("reviewer_command", d.ReviewerCommand)
	v.SetDefault("semgrep_command", d.SemgrepCommand)
	v.SetDefault("semgrep_config", d.SemgrepConfig)
	v.SetDefault("usage_threshold", d.WindDownThreshold)
	v.SetDefault("critical_threshold", d.CriticalThreshold)
	v.SetDefault("resume_threshold", d.ResumeThreshold)
	v.SetDefault("budget_poll", d.BudgetPoll)
	v.SetDefault("review_timeout", d.ReviewTimeout)
	v.SetDefault("max_review_rounds", d.MaxReviewRounds)
	v.SetDefault("rate_limit_pause", d.RateLimitPause)
	v.SetDefault("max_flows", d.MaxFlows)
	v.SetDefault("tracer_concurrency", d.TracerConcurrency)
	v.SetDefault("engine_poll", d.EnginePoll)
	v.SetDefault("grace_window", d.GraceWindow)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.Newf(errors.CodeConfigInvalid, "concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.MaxCycles < 1 {
		return errors.Newf(errors.CodeConfigInvalid, "max_cycles must be >= 1, got %d", c.MaxCycles)
	}
	for name, f := range map[string]float64{
		"usage_threshold":    c.WindDownThreshold,
		"critical_threshold": c.CriticalThreshold,
		"resume_threshold":   c.ResumeThreshold,
	} {
		if f <= 0 || f > 1 {
			return errors.Newf(errors.CodeConfigInvalid, "%s must be in (0,1], got %v", name, f)
		}
	}
	if c.WindDownThreshold > c.CriticalThreshold {
		return errors.Newf(errors.CodeConfigInvalid,
			"usage_threshold %v exceeds critical_threshold %v",
			c.WindDownThreshold, c.CriticalThreshold)
	}
	if c.TracerConcurrency < 1 {
		return fmt.Errorf("tracer_concurrency must be >= 1")
	}
	return nil
}
