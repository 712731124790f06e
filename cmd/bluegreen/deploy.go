package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/bluegreen/pkg/cloud"
	"github.com/cuemby/bluegreen/pkg/cloud/aws"
	"github.com/cuemby/bluegreen/pkg/config"
	"github.com/cuemby/bluegreen/pkg/deploy"
	"github.com/cuemby/bluegreen/pkg/events"
	"github.com/cuemby/bluegreen/pkg/lock"
	"github.com/cuemby/bluegreen/pkg/log"
	"github.com/cuemby/bluegreen/pkg/metrics"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Roll an image onto the inactive group and scale it to match the active one",
	Long: `Update finds the inactive Auto Scaling group, optionally points it at
a new launch configuration built from --image, scales it to the active
group's capacity and waits until its instances are InService and healthy
behind every attached load balancer.

With --swap the inactive group is then promoted as swap-pool would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		swap, _ := cmd.Flags().GetBool("swap")

		return runWorkflow(cmd, func(ctx context.Context, ctrl *deploy.Controller) error {
			if swap {
				report, err := ctrl.UpdateAndSwap(ctx, image)
				printSwap(cmd.OutOrStdout(), report, err)
				return err
			}
			report, err := ctrl.Update(ctx, image)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %s is serving launch configuration %s\n", report.Target.InactivePool.Name, report.LaunchConfiguration)
			fmt.Fprintf(out, "  Capacity: %d/%d/%d\n", report.Capacity.Min, report.Capacity.Desired, report.Capacity.Max)
			return nil
		})
	},
}

var swapPoolCmd = &cobra.Command{
	Use:   "swap-pool",
	Short: "Promote the inactive group behind the active load balancer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd, func(ctx context.Context, ctrl *deploy.Controller) error {
			report, err := ctrl.SwapPool(ctx)
			printSwap(cmd.OutOrStdout(), report, err)
			return err
		})
	},
}

var swapBalancerCmd = &cobra.Command{
	Use:   "swap-balancer",
	Short: "Move the active group from the active load balancer to the inactive one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd, func(ctx context.Context, ctrl *deploy.Controller) error {
			report, err := ctrl.SwapBalancer(ctx)
			printSwap(cmd.OutOrStdout(), report, err)
			return err
		})
	},
}

func init() {
	updateCmd.Flags().StringP("image", "i", "", "Machine image for a new launch configuration")
	updateCmd.Flags().Bool("swap", false, "Promote the updated group once it is healthy")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(swapPoolCmd)
	rootCmd.AddCommand(swapBalancerCmd)
}

// providerFactory is replaced in tests
var providerFactory = func(cfg *config.Config) (cloud.Provider, error) {
	return aws.New(aws.Config{
		Region:     cfg.AWS.Region,
		Profile:    cfg.AWS.Profile,
		MaxRetries: cfg.AWS.MaxRetries,
	})
}

// runWorkflow builds a controller from the flags and configuration and
// runs fn under a context cancelled on SIGINT or SIGTERM. Guard aborts are
// reported and leave the exit status at zero.
func runWorkflow(cmd *cobra.Command, fn func(ctx context.Context, ctrl *deploy.Controller) error) error {
	flags := readFlags(cmd)
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	})
	logger := log.WithComponent("cli")

	dcfg, err := controllerConfig(cfg, flags)
	if err != nil {
		return err
	}

	provider, err := providerFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to create AWS provider: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	opts := []deploy.Option{deploy.WithEvents(broker)}

	if cfg.Lock.Path != "" {
		locker, err := lock.NewBoltLocker(cfg.Lock.Path)
		if err != nil {
			broker.Stop()
			return fmt.Errorf("failed to open lease database: %w", err)
		}
		opts = append(opts, deploy.WithLocker(locker))
	}

	var printed chan struct{}
	var sub events.Subscriber
	if flags.verbose {
		sub = broker.Subscribe()
		printed = make(chan struct{})
		go func() {
			defer close(printed)
			for event := range sub {
				logEvent(logger, event)
			}
		}()
	}
	defer func() {
		broker.Stop()
		if sub != nil {
			broker.Unsubscribe(sub)
			<-printed
		}
	}()

	if cfg.MetricsAddr != "" {
		srv, err := metrics.NewServer(cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsAddr, err)
		}
		serveErr := make(chan error, 1)
		srv.Start(serveErr)
		logger.Info().Str("addr", srv.Addr()).Msg("Serving metrics")
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop metrics server")
			}
			select {
			case err := <-serveErr:
				logger.Warn().Err(err).Msg("Metrics server failed")
			default:
			}
		}()
	}

	ctrl, err := deploy.NewController(provider, dcfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = fn(ctx, ctrl)
	if deploy.IsAbort(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "⚠ Nothing to do: %v\n", err)
		return nil
	}
	return err
}

func logEvent(logger zerolog.Logger, event *events.Event) {
	e := logger.Debug().Str("event", string(event.Type))
	for k, v := range event.Metadata {
		e = e.Str(k, v)
	}
	e.Msg(event.Message)
}

// printSwap summarises a swap. A failed swap still reports how far it got,
// since every completed step stays applied.
func printSwap(out io.Writer, report *deploy.SwapReport, err error) {
	if report == nil {
		return
	}
	if err != nil {
		if !deploy.IsAbort(err) {
			fmt.Fprintf(out, "✗ %s swap stopped after %s\n", report.Kind, report.Last())
			fmt.Fprintf(out, "  Rerun swap-%s to resume it\n", report.Kind)
		}
		return
	}

	fmt.Fprintf(out, "✓ %s swap reached %s\n", report.Kind, report.Last())
	if report.Resumed {
		fmt.Fprintln(out, "  Resumed an unfinished swap")
	}
	if report.Target != nil {
		active := report.Target.ActivePool
		if report.Kind == deploy.SwapKindPool {
			active = report.Target.InactivePool
		}
		if active != nil {
			fmt.Fprintf(out, "  Active group: %s\n", active.Name)
		}
		if report.Kind == deploy.SwapKindBalancer && report.Target.InactiveBalancer != nil {
			fmt.Fprintf(out, "  Active balancer: %s\n", report.Target.InactiveBalancer.Name)
		}
	}
	if len(report.MigratedActions) > 0 {
		fmt.Fprintf(out, "  Scheduled actions moved: %s\n", strings.Join(report.MigratedActions, ", "))
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(out, "  Already done: %s\n", strings.Join(report.Skipped, ", "))
	}
}
