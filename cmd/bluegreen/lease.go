package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/bluegreen/pkg/lock"
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect or break deployment leases",
}

var leaseShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the lease held on a group pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		locker, key, err := openLease(cmd)
		if err != nil {
			return err
		}

		lease, err := locker.Get(key)
		if err != nil {
			return fmt.Errorf("failed to read lease: %w", err)
		}
		out := cmd.OutOrStdout()
		if lease == nil {
			fmt.Fprintf(out, "No lease held on %s\n", key)
			return nil
		}

		state := "held"
		if lease.Expired(time.Now()) {
			state = "expired"
		}
		fmt.Fprintf(out, "Lease on %s (%s)\n", lease.Key, state)
		fmt.Fprintf(out, "  Holder: %s\n", lease.Holder)
		fmt.Fprintf(out, "  Owner: %s\n", lease.Owner)
		fmt.Fprintf(out, "  Acquired: %s\n", lease.AcquiredAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Expires: %s\n", lease.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var leaseBreakCmd = &cobra.Command{
	Use:   "break",
	Short: "Remove the lease on a group pair regardless of its holder",
	Long: `Break removes the deployment lease left behind by a run that died
without releasing it. Only break a lease when no run is in progress:
the holder does not notice and keeps going.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		locker, key, err := openLease(cmd)
		if err != nil {
			return err
		}

		lease, err := locker.Break(key)
		if err != nil {
			return fmt.Errorf("failed to break lease: %w", err)
		}
		if lease == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No lease held on %s\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Broke lease on %s held by %s (%s)\n", key, lease.Holder, lease.Owner)
		return nil
	},
}

func init() {
	leaseCmd.AddCommand(leaseShowCmd)
	leaseCmd.AddCommand(leaseBreakCmd)
	rootCmd.AddCommand(leaseCmd)
}

// openLease opens the lease database named by --lock-file or the
// configuration and returns the key for the --env/--asg group pair
func openLease(cmd *cobra.Command) (*lock.BoltLocker, string, error) {
	flags := readFlags(cmd)
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, "", err
	}
	if cfg.Lock.Path == "" {
		return nil, "", errors.New("no lease database configured, set --lock-file or lock.path")
	}
	if flags.env == "" || flags.asg == "" {
		return nil, "", errors.New("--env and --asg are required")
	}

	locker, err := lock.NewBoltLocker(cfg.Lock.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open lease database: %w", err)
	}
	return locker, fmt.Sprintf("%s-%s", flags.env, flags.asg), nil
}
