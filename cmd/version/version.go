package version

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modsync/modsync/cmd/util"
	"github.com/modsync/modsync/pkg/client"
	"github.com/modsync/modsync/pkg/config"
	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the local and server version of modsync.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	fmt.Printf("local version:  %s\n", version.Version)

	cfg, err := config.Load("")
	if err != nil {
		// Without a server to ask, the local version is all there is.
		log.WithError(err).Debug("No server configured")
		return nil
	}

	c, err := client.New(cfg.Server, cfg.Timeout())
	if err != nil {
		return err
	}

	status, err := c.Status(context.Background())
	if err != nil {
		return errors.WithContext(err, "get server version")
	}

	fmt.Printf("server version: %s\n", status.Version)
	if version.Newer(version.Version, status.Version) {
		fmt.Println("A newer version is running on the server. Consider upgrading.")
	}
	return nil
}
