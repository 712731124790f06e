package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the deployment tool configuration. Zero values in a file
// leave the defaults in place.
type Config struct {
	TagKey          string        `yaml:"tagKey"`
	TagValue        string        `yaml:"tagValue"`
	SwapMarkerKey   string        `yaml:"swapMarkerKey"`
	PoolSuffixes    []string      `yaml:"poolSuffixes"`
	BalancerSuffix  string        `yaml:"balancerSuffix"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	SettleInterval  time.Duration `yaml:"settleInterval"`
	SettleBudget    time.Duration `yaml:"settleBudget"`
	CapacityTimeout time.Duration `yaml:"capacityTimeout"`
	Lock            LockConfig    `yaml:"lock"`
	Log             LogConfig     `yaml:"log"`
	MetricsAddr     string        `yaml:"metricsAddr"`
	AWS             AWSConfig     `yaml:"aws"`
}

// LockConfig configures the deployment lease
type LockConfig struct {
	// Path of the lease database; empty disables leasing
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AWSConfig configures the AWS session
type AWSConfig struct {
	Region     string `yaml:"region"`
	Profile    string `yaml:"profile"`
	MaxRetries int    `yaml:"maxRetries"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		TagKey:         "active",
		TagValue:       "true",
		SwapMarkerKey:  "swapping-to",
		PoolSuffixes:   []string{"blue", "green"},
		BalancerSuffix: "-vnext",
		PollInterval:   15 * time.Second,
		SettleInterval: 10 * time.Second,
		SettleBudget:   5 * time.Minute,
		Lock: LockConfig{
			TTL: 2 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		AWS: AWSConfig{
			MaxRetries: 3,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the controller cannot use
func (c *Config) Validate() error {
	var errs []error
	if c.TagKey == "" {
		errs = append(errs, errors.New("tagKey must not be empty"))
	}
	if c.SwapMarkerKey == "" || c.SwapMarkerKey == c.TagKey {
		errs = append(errs, fmt.Errorf("swapMarkerKey must be set and differ from tagKey, got %q", c.SwapMarkerKey))
	}
	if len(c.PoolSuffixes) != 2 || c.PoolSuffixes[0] == "" || c.PoolSuffixes[0] == c.PoolSuffixes[1] {
		errs = append(errs, fmt.Errorf("poolSuffixes must be two distinct, non-empty values, got %v", c.PoolSuffixes))
	}
	if c.BalancerSuffix == "" {
		errs = append(errs, errors.New("balancerSuffix must not be empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pollInterval must be positive, got %v", c.PollInterval))
	}
	if c.SettleInterval <= 0 {
		errs = append(errs, fmt.Errorf("settleInterval must be positive, got %v", c.SettleInterval))
	}
	if c.SettleBudget <= 0 {
		errs = append(errs, fmt.Errorf("settleBudget must be positive, got %v", c.SettleBudget))
	}
	if c.CapacityTimeout < 0 {
		errs = append(errs, fmt.Errorf("capacityTimeout must not be negative, got %v", c.CapacityTimeout))
	}
	if c.Lock.Path != "" && c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock.ttl must be positive when lock.path is set, got %v", c.Lock.TTL))
	}
	if c.AWS.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("aws.maxRetries must not be negative, got %d", c.AWS.MaxRetries))
	}
	return errors.Join(errs...)
}
