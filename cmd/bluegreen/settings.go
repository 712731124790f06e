package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/bluegreen/pkg/config"
	"github.com/cuemby/bluegreen/pkg/deploy"
	"github.com/cuemby/bluegreen/pkg/log"
)

// flagValues holds the persistent flags of one invocation
type flagValues struct {
	env         string
	asg         string
	elbPrefix   string
	region      string
	verbose     bool
	configPath  string
	logJSON     bool
	metricsAddr string
	lockFile    string
}

func readFlags(cmd *cobra.Command) flagValues {
	var f flagValues
	f.env, _ = cmd.Flags().GetString("env")
	f.asg, _ = cmd.Flags().GetString("asg")
	f.elbPrefix, _ = cmd.Flags().GetString("elbprefix")
	f.region, _ = cmd.Flags().GetString("region")
	f.verbose, _ = cmd.Flags().GetBool("verbose")
	f.configPath, _ = cmd.Flags().GetString("config")
	f.logJSON, _ = cmd.Flags().GetBool("log-json")
	f.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	f.lockFile, _ = cmd.Flags().GetString("lock-file")
	return f
}

// loadConfig reads the configuration file and applies flag overrides
func loadConfig(f flagValues) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.region != "" {
		cfg.AWS.Region = f.region
	}
	if f.verbose {
		cfg.Log.Level = string(log.DebugLevel)
	}
	if f.logJSON {
		cfg.Log.JSON = true
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.lockFile != "" {
		cfg.Lock.Path = f.lockFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// controllerConfig derives the resource name prefixes: pools are
// <env>-<asg>-<suffix>, balancers <env>-<elbprefix>[<balancerSuffix>]
func controllerConfig(cfg *config.Config, f flagValues) (deploy.Config, error) {
	var errs []error
	if f.env == "" {
		errs = append(errs, errors.New("--env is required"))
	}
	if f.asg == "" {
		errs = append(errs, errors.New("--asg is required"))
	}
	if cfg.AWS.Region == "" {
		errs = append(errs, errors.New("--region is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return deploy.Config{}, err
	}

	dc := deploy.Config{
		PoolPrefix:      fmt.Sprintf("%s-%s", f.env, f.asg),
		TagKey:          cfg.TagKey,
		TagValue:        cfg.TagValue,
		SwapMarkerKey:   cfg.SwapMarkerKey,
		PoolSuffixes:    [2]string{cfg.PoolSuffixes[0], cfg.PoolSuffixes[1]},
		BalancerSuffix:  cfg.BalancerSuffix,
		PollInterval:    cfg.PollInterval,
		SettleInterval:  cfg.SettleInterval,
		SettleBudget:    cfg.SettleBudget,
		CapacityTimeout: cfg.CapacityTimeout,
		LeaseTTL:        cfg.Lock.TTL,
		Verbose:         f.verbose,
	}
	if f.elbPrefix != "" {
		dc.BalancerPrefix = fmt.Sprintf("%s-%s", f.env, f.elbPrefix)
	}
	return dc, nil
}
