package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bluegreen",
	Short: "Blue/green deployments over Auto Scaling group and ELB pairs",
	Long: `bluegreen deploys a new machine image onto the idle half of a
blue/green Auto Scaling group pair, then promotes it by swapping the
group pair behind the live load balancer, or swaps the live group
between a load balancer pair.

The active group and balancer are the ones carrying the active tag.
Every run reads the current state back from AWS; nothing is stored
between runs apart from the optional deployment lease.

Examples:
  # Roll a new image onto the inactive group
  bluegreen update -e dev -a kuiper -r eu-west-1 -i ami-0123456789abcdef0

  # Roll out and promote in one run
  bluegreen update --swap -e dev -a kuiper -p kuiper -r eu-west-1 -i ami-0123456789abcdef0

  # Promote the inactive group behind the live balancer
  bluegreen swap-pool -e dev -a kuiper -p kuiper -r eu-west-1

  # Move the live group to the other balancer
  bluegreen swap-balancer -e dev -a kuiper -p kuiper -r eu-west-1`,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bluegreen version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.Version = Version

	flags := rootCmd.PersistentFlags()
	flags.StringP("env", "e", "", "Environment name, the first part of every resource name")
	flags.StringP("asg", "a", "", "Auto Scaling group name fragment")
	flags.StringP("elbprefix", "p", "", "Load balancer name fragment (required for swaps)")
	flags.StringP("region", "r", "", "AWS region")
	flags.BoolP("verbose", "v", false, "Log at debug level and print workflow events")
	flags.String("config", "", "YAML configuration file")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	flags.String("lock-file", "", "bbolt file holding deployment leases (empty disables leasing)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bluegreen version %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Built: %s\n", BuildTime)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
