package speedtest

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modsync/modsync/cmd/util"
	"github.com/modsync/modsync/pkg/client"
	"github.com/modsync/modsync/pkg/config"
	"github.com/modsync/modsync/pkg/probe"
)

// New creates a new `speedtest` command.
func New() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "speedtest",
		Short: "Measure the connection to the server.",
		Long: "Measure latency and download throughput against the server and\n" +
			"print the connection tier a sync would use.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	c, err := client.New(cfg.Server, cfg.Timeout())
	if err != nil {
		return err
	}

	profile := probe.New(c).Run(context.Background())
	if profile.Degraded {
		color.Red("Could not measure the connection. Assuming %s.", profile.Tier)
		return nil
	}

	fmt.Printf("latency:    %v\n", profile.Latency)
	fmt.Printf("throughput: %.2f MB/s\n", profile.Throughput/(1<<20))
	switch profile.Tier {
	case probe.Excellent, probe.Good:
		color.Green("connection: %s", profile.Tier)
	case probe.Fair:
		color.Yellow("connection: %s", profile.Tier)
	default:
		color.Red("connection: %s", profile.Tier)
	}
	return nil
}
