package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wikimedia/commons-curator/cache"
	"github.com/wikimedia/commons-curator/config"
	"github.com/wikimedia/commons-curator/daemon"
	"github.com/wikimedia/commons-curator/handlers"
	"github.com/wikimedia/commons-curator/hub"
	"github.com/wikimedia/commons-curator/server"
	"github.com/wikimedia/commons-curator/store"
	"github.com/wikimedia/commons-curator/wiki"
	"github.com/wikimedia/commons-curator/worker"
)

func main() {
	cmd := newCuratorCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCuratorCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:           "curator",
		Short:         "Upload provider imagery to Wikimedia Commons with structured data",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCurator(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "D", false, "enable debug logging")
	return cmd
}

func runCurator(debug bool) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := log.G(ctx)

	cfg, codec, err := config.Load()
	if err != nil {
		return err
	}

	jobStore, err := store.Open(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return err
	}
	defer jobStore.Close()
	if err := jobStore.Migrate(ctx); err != nil {
		return err
	}
	logger.WithField("driver", cfg.DBDriver).Info("job store ready")

	var sessionBackend cache.Backend
	if cfg.RedisURL != "" {
		redisBackend, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisBackend.Close()
		sessionBackend = redisBackend
	} else {
		sessionBackend = cache.NewMemory()
	}

	pageFinder := handlers.NewCommonsSearch("", nil)
	registry := handlers.NewRegistry()
	registry.Register(handlers.NewMapillary(cfg.MapillaryToken, nil, pageFinder))
	if cfg.FlickrAPIKey != "" {
		registry.Register(handlers.NewFlickr(cfg.FlickrAPIKey, nil, pageFinder))
	}
	logger.WithField("handlers", registry.Tags()).Info("provider handlers registered")

	newClient := wiki.NewCommonsFactory(wiki.CommonsOptions{
		ConsumerKey:    cfg.OAuthKey,
		ConsumerSecret: cfg.OAuthSecret,
		Locks:          wiki.NewHashLock(0),
	})

	progressHub := hub.New(jobStore)
	uploadWorker := worker.New(worker.Config{
		Store:     jobStore,
		Registry:  registry,
		NewClient: newClient,
		Codec:     codec,
		Events:    progressHub,
		TmpDir:    os.TempDir(),
	})
	pool := worker.NewPool(uploadWorker, cfg.WorkerCount, 0)

	d := daemon.New(daemon.Options{
		Config:   cfg,
		Store:    jobStore,
		Registry: registry,
		Codec:    codec,
		Cache:    sessionBackend,
		Pool:     pool,
	})

	httpServer := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.New(server.Options{
			Hub:     progressHub,
			Backend: d,
			Auth:    d,
		}),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return pool.Run(ctx)
	})
	eg.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr).Info("serving")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		// Rows left queued by a previous run get their notifications back.
		return d.RequeuePending(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}
