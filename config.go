package pollster

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// RetryStrategy names how retries are spaced. The client records it with the
// job but always polls with exponential backoff.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
)

// JobConfig configures one job submission and the wait that follows it.
type JobConfig struct {
	MaxRetries    int            `json:"max_retries"`
	Timeout       time.Duration  `json:"timeout"`
	RetryStrategy RetryStrategy  `json:"retry_strategy"`
	Priority      int            `json:"priority"`
	Metadata      map[string]any `json:"metadata,omitempty"` // sent to the backend as-is
	CallbackURL   string         `json:"callback_url,omitempty"`
}

// DefaultJobConfig returns the configuration used when none is given.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		MaxRetries:    10,
		Timeout:       60 * time.Second,
		RetryStrategy: RetryExponential,
		Priority:      0,
		Metadata:      map[string]any{},
	}
}

// Validate checks every field and reports all violations at once.
func (c JobConfig) Validate() error {
	var result *multierror.Error
	if c.MaxRetries < 0 {
		result = multierror.Append(result, errors.New("retries cannot be negative"))
	}
	if c.Timeout <= 0 {
		result = multierror.Append(result, errors.New("timeout must be positive"))
	}
	if c.Priority < 0 || c.Priority > 10 {
		result = multierror.Append(result, fmt.Errorf("priority must be between 0 and 10, got %d", c.Priority))
	}
	switch c.RetryStrategy {
	case "", RetryExponential, RetryLinear:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown retry strategy %q", c.RetryStrategy))
	}
	if err := result.ErrorOrNil(); err != nil {
		return &ValidationError{Field: "job config", Err: err}
	}
	return nil
}

// RateLimitConfig is the sliding-window policy for outbound calls.
type RateLimitConfig struct {
	MaxCalls int           `json:"max_calls"`
	Period   time.Duration `json:"period"`
}

// DefaultRateLimitConfig allows five calls per second.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxCalls: 5, Period: time.Second}
}

func (c RateLimitConfig) Validate() error {
	var result *multierror.Error
	if c.MaxCalls <= 0 {
		result = multierror.Append(result, fmt.Errorf("max calls must be positive, got %d", c.MaxCalls))
	}
	if c.Period <= 0 {
		result = multierror.Append(result, errors.New("period must be positive"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return &ValidationError{Field: "rate limit", Err: err}
	}
	return nil
}

// Config is the file-level configuration read by LoadConfig.
type Config struct {
	BaseURL   string
	Job       JobConfig
	RateLimit RateLimitConfig
}

// seconds decodes either a Go duration string ("90s") or a bare number of
// seconds (60, 0.5).
type seconds time.Duration

func (s *seconds) UnmarshalYAML(node *yaml.Node) error {
	if f, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*s = seconds(time.Duration(f * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*s = seconds(d)
	return nil
}

type fileConfig struct {
	BaseURL string `yaml:"base_url"`
	Job     struct {
		MaxRetries    *int           `yaml:"max_retries"`
		Timeout       *seconds       `yaml:"timeout"`
		RetryStrategy string         `yaml:"retry_strategy"`
		Priority      *int           `yaml:"priority"`
		Metadata      map[string]any `yaml:"metadata"`
		CallbackURL   string         `yaml:"callback_url"`
	} `yaml:"job"`
	RateLimit struct {
		MaxCalls *int     `yaml:"max_calls"`
		Period   *seconds `yaml:"period"`
	} `yaml:"rate_limit"`
}

// ParseConfig decodes a YAML document on top of the defaults and validates
// the result.
func ParseConfig(data []byte) (Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Config{
		BaseURL:   raw.BaseURL,
		Job:       DefaultJobConfig(),
		RateLimit: DefaultRateLimitConfig(),
	}
	if raw.Job.MaxRetries != nil {
		cfg.Job.MaxRetries = *raw.Job.MaxRetries
	}
	if raw.Job.Timeout != nil {
		cfg.Job.Timeout = time.Duration(*raw.Job.Timeout)
	}
	if raw.Job.RetryStrategy != "" {
		cfg.Job.RetryStrategy = RetryStrategy(raw.Job.RetryStrategy)
	}
	if raw.Job.Priority != nil {
		cfg.Job.Priority = *raw.Job.Priority
	}
	if raw.Job.Metadata != nil {
		cfg.Job.Metadata = raw.Job.Metadata
	}
	cfg.Job.CallbackURL = raw.Job.CallbackURL
	if raw.RateLimit.MaxCalls != nil {
		cfg.RateLimit.MaxCalls = *raw.RateLimit.MaxCalls
	}
	if raw.RateLimit.Period != nil {
		cfg.RateLimit.Period = time.Duration(*raw.RateLimit.Period)
	}

	if err := cfg.Job.Validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}
