package sync

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modsync/modsync/cmd/util"
	"github.com/modsync/modsync/pkg/client"
	"github.com/modsync/modsync/pkg/config"
	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/strategy"
	"github.com/modsync/modsync/pkg/sync"
	"github.com/modsync/modsync/pkg/version"
)

// New creates a new `sync` command.
func New() *cobra.Command {
	var (
		configPath string
		serverURL  string
		dir        string
		fastStart  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local mod directory with the server.",
		Long: "Download missing and changed files from the server until the\n" +
			"local directory matches the server's manifest. Every downloaded\n" +
			"file is verified against its declared content hash.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, serverURL, dir, fastStart); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides the config file)")
	cmd.Flags().StringVar(&dir, "dir", "", "local directory (overrides the config file)")
	cmd.Flags().BoolVar(&fastStart, "fast-start", false,
		"download the critical file list first so the game can start early")
	return cmd
}

func run(configPath, serverURL, dir string, fastStart bool) error {
	cfg, err := loadConfig(configPath, serverURL, dir)
	if err != nil {
		return err
	}

	kind, err := strategy.ParseKind(cfg.Strategy)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	c, err := client.New(cfg.Server, cfg.Timeout())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		log.Info("Interrupted. Finishing in-flight downloads can be resumed later.")
		cancel()
	}()

	warnOnVersionSkew(ctx, c)

	resume := cfg.ResumeEnabled()
	session := sync.NewSession(c, cfg.Dir, strategy.Options{
		Kind:        kind,
		FastStart:   fastStart,
		Critical:    cfg.Critical,
		MaxWorkers:  cfg.MaxWorkers,
		MaxAttempts: cfg.MaxAttempts,
		ChunkSize:   cfg.ChunkSize(),
		Resume:      &resume,
	})

	events := make(chan sync.Event, 64)
	session.Events = events
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printEvents(events)
	}()

	result, err := session.Run(ctx)

	// Let the printer drain before the summary so the lines don't mix.
	close(events)
	<-printerDone

	if err != nil {
		return err
	}
	return printResult(result)
}

// warnOnVersionSkew mentions a newer server release. Syncing still proceeds:
// the manifest protocol doesn't change between releases.
func warnOnVersionSkew(ctx context.Context, c *client.Client) {
	status, err := c.Status(ctx)
	if err != nil {
		return
	}
	if version.Newer(version.Version, status.Version) {
		log.WithFields(log.Fields{
			"local":  version.Version,
			"server": status.Version,
		}).Warn("The server runs a newer modsync release. Consider upgrading.")
	}
}

// loadConfig layers the command-line overrides over the config file. The
// server URL can come from either, but must come from somewhere.
func loadConfig(configPath, serverURL, dir string) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if _, missing := errors.RootCause(err).(errors.MissingFieldError); !missing || serverURL == "" {
			return config.Config{}, err
		}
		cfg = config.Config{}
	}
	if serverURL != "" {
		cfg.Server = serverURL
	}
	if dir != "" {
		cfg.Dir = dir
	}
	if cfg.Dir == "" {
		cfg.Dir = "mods"
	}
	return cfg, nil
}

func printEvents(events <-chan sync.Event) {
	for event := range events {
		switch event.Status {
		case sync.Verified:
			color.Green("  ✓ %s", event.Path)
		case sync.Quarantined:
			color.Red("  ✗ %s (quarantined: %s)", event.Path, event.Err)
		default:
			color.Red("  ✗ %s (%s)", event.Path, event.Err)
		}
	}
}

func printResult(result *sync.Result) error {
	fmt.Println()
	color.Green("%d files verified", len(result.Verified))

	for _, path := range result.Stale {
		color.Yellow("stale: %s is not on the server (kept)", path)
	}

	if result.Clean() {
		return nil
	}

	for _, file := range result.Failed {
		color.Red("failed: %s: %s", file.Path, file.Err)
	}
	for _, file := range result.Quarantined {
		color.Red("quarantined: %s (its content never matched the server's hash)", file.Path)
	}
	return errors.NewFriendlyError(
		"Sync finished with %d failed and %d quarantined files.\n"+
			"Re-run `modsync sync` to retry the failed ones.",
		len(result.Failed), len(result.Quarantined))
}
