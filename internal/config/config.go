// Package config loads the cluster configuration of a fanout program from a
// YAML file and the FANOUT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/utkarsh5026/mpifanout/internal/backoff"
	"github.com/utkarsh5026/mpifanout/internal/logging"
)

// Environment variables read by ApplyEnv. A launcher that starts one process
// per rank sets them for each process.
const (
	EnvRank = "FANOUT_RANK"
	EnvSize = "FANOUT_SIZE"
	EnvAddr = "FANOUT_ADDR"
)

// Config is the configuration of one rank.
type Config struct {
	Addr        string         `yaml:"addr"`
	Size        int            `yaml:"size"`
	Rank        int            `yaml:"rank"`
	Dial        DialConfig     `yaml:"dial"`
	Retry       RetryConfig    `yaml:"retry"`
	RateLimit   float64        `yaml:"rate_limit"` // tasks per second per rank, 0 is unlimited
	CPUAffinity bool           `yaml:"cpu_affinity"`
	Silent      bool           `yaml:"silent"`
	Log         logging.Config `yaml:"log"`
}

// DialConfig controls how a worker rank reaches the master.
type DialConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Backoff      string        `yaml:"backoff"` // exponential, jittered, decorrelated
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// RetryConfig re-runs failing tasks on the rank that executed them.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr: "127.0.0.1:7070",
		Size: 1,
		Dial: DialConfig{
			Timeout:      30 * time.Second,
			Backoff:      backoff.Jittered.String(),
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Retry: RetryConfig{Attempts: 1},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
			Output: logging.OutputStderr,
		},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides rank, size and address from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup(EnvSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvSize, err)
		}
		c.Size = n
	}
	if v, ok := lookup(EnvRank); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvRank, err)
		}
		c.Rank = n
	}
	return nil
}

// SizeFromEnv reports whether the environment sets the group size.
func SizeFromEnv() bool {
	v, ok := os.LookupEnv(EnvSize)
	return ok && v != ""
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Size < 1 {
		errs = append(errs, fmt.Errorf("size must be >= 1, got %d", c.Size))
	}
	if c.Rank < 0 || (c.Size >= 1 && c.Rank >= c.Size) {
		errs = append(errs, fmt.Errorf("rank %d outside [0, %d)", c.Rank, c.Size))
	}
	if c.Size > 1 && c.Addr == "" {
		errs = append(errs, errors.New("addr is required for groups larger than one"))
	}
	if _, err := backoff.ParseKind(c.Dial.Backoff); err != nil {
		errs = append(errs, err)
	}
	if c.Dial.Timeout < 0 || c.Dial.InitialDelay < 0 || c.Dial.MaxDelay < 0 {
		errs = append(errs, errors.New("dial durations must not be negative"))
	}
	if c.Retry.Attempts < 0 {
		errs = append(errs, fmt.Errorf("retry.attempts must not be negative, got %d", c.Retry.Attempts))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %g", c.RateLimit))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DialBackoff builds the dial strategy described by Dial.
func (c Config) DialBackoff() (backoff.Strategy, error) {
	kind, err := backoff.ParseKind(c.Dial.Backoff)
	if err != nil {
		return nil, err
	}
	return backoff.New(kind, c.Dial.InitialDelay, c.Dial.MaxDelay, 0.2), nil
}
