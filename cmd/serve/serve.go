package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/modsync/modsync/cmd/util"
	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/manifest"
	"github.com/modsync/modsync/pkg/server"
	"github.com/modsync/modsync/pkg/watch"
)

// New creates a new `serve` command.
func New() *cobra.Command {
	var (
		port           int
		dir            string
		disableWatcher bool
		debounce       time.Duration
		rescanInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a mod directory to sync clients.",
		Long: "Serve the given directory over HTTP. The manifest of content\n" +
			"hashes is rebuilt automatically when files change.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(port, dir, disableWatcher, debounce, rescanInterval); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on")
	cmd.Flags().StringVar(&dir, "dir", "mods", "directory to serve")
	cmd.Flags().BoolVar(&disableWatcher, "disable-watcher", false,
		"don't watch the directory for changes (manifest rebuilds only via /rescan)")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce,
		"quiet period before a burst of file changes triggers one rebuild")
	cmd.Flags().DurationVar(&rescanInterval, "rescan-interval", 0,
		"also rebuild the manifest at this fixed interval (0 disables)")
	return cmd
}

func run(port int, dir string, disableWatcher bool, debounce, rescanInterval time.Duration) error {
	fs := afero.NewOsFs()
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return errors.WithContext(err, "check served directory")
	}
	if !exists {
		return errors.FileNotFound{Path: dir}
	}

	manifests := manifest.NewService(fs, dir)
	if _, err := manifests.Rebuild(); err != nil {
		return errors.WithContext(err, "build initial manifest")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if disableWatcher {
		log.Info("File watching disabled. Rebuild the manifest via GET /rescan.")
	} else {
		trigger := watch.Watch(ctx, watch.Config{
			Dir:            dir,
			Debounce:       debounce,
			RescanInterval: rescanInterval,
		})
		go func() {
			for range trigger {
				if _, err := manifests.Rebuild(); err != nil {
					log.WithError(err).Warn(
						"Manifest rebuild failed. Still serving the previous snapshot.")
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.New(fs, manifests),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info("Shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Graceful shutdown failed")
		}
	}()

	log.WithFields(log.Fields{
		"port":  port,
		"dir":   dir,
		"files": manifests.Current().FileCount,
	}).Info("Serving mod directory")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WithContext(err, "serve")
	}
	return nil
}
