// Command server runs the package registry: the HTTP API, the git
// index manager with its periodic remote sync, and the documentation
// build workers.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crateport/crateport/api"
	"github.com/crateport/crateport/config"
	"github.com/crateport/crateport/docsgen"
	"github.com/crateport/crateport/extregistry"
	"github.com/crateport/crateport/index"
	"github.com/crateport/crateport/publish"
	"github.com/crateport/crateport/storage"
	"github.com/crateport/crateport/store"
)

var (
	configFile = flag.String("config", "", "Path to registry configuration YAML file (falls back to REGISTRY_* env)")
	addr       = flag.String("addr", "", "HTTP listen address (overrides configuration)")
)

func main() {
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFromFile(*configFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Registry exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer registry.Close()

	// Publishes interrupted by a crash leave reservations behind;
	// release them before the API starts accepting retries.
	if n, err := registry.ReleaseStaleReservations(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("released stale version reservations", "count", n)
	}

	blobs, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	idx, err := index.Open(ctx, index.Config{
		Location:     cfg.Index.Location,
		RemoteOrigin: cfg.Index.RemoteOrigin,
		SSHKeyFile:   cfg.Index.RemoteSSHKey,
		PushChanges:  cfg.Index.PushChanges,
		UserName:     cfg.Index.UserName,
		UserEmail:    cfg.Index.UserEmail,
		Public: index.PublicConfig{
			DL:           cfg.DownloadRoot(),
			API:          cfg.PublicURI,
			AuthRequired: true,
		},
	}, logger)
	if err != nil {
		return err
	}

	// Startup reconciliation: pull the remote first, then heal index
	// lines for versions published before a crash.
	if err := idx.SyncPull(ctx); err != nil {
		logger.Warn("initial index pull failed", "error", err)
	}
	if err := idx.Reconcile(ctx, registry); err != nil {
		return err
	}

	entries := make([]extregistry.Entry, 0, len(cfg.ExternalRegistries))
	for _, e := range cfg.ExternalRegistries {
		entries = append(entries, extregistry.Entry{Name: e.Name, IndexURL: e.Index, DocsRoot: e.DocsRoot})
	}
	resolver := extregistry.NewResolver(cfg.PublicURI, entries)

	queue := docsgen.NewQueue(registry)
	builder := docsgen.NewBuilder(registry, blobs, resolver,
		&docsgen.CargoToolchain{Bin: cfg.Docs.CargoBin, Target: cfg.Docs.Target},
		cfg.Docs.Target, logger)
	pool := docsgen.NewPool(registry, builder, queue, docsgen.PoolOptions{
		Workers:     cfg.Docs.Workers,
		MaxAttempts: cfg.Docs.MaxAttempts,
		Timeout:     cfg.Docs.BuildTimeout,
	}, logger)

	pipeline := publish.NewPipeline(registry, blobs, idx, queue, logger)
	server := api.NewServer(registry, pipeline, blobs, api.NewMetrics(), cfg.BodyLimit, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("registry listening", "addr", cfg.Addr, "public", cfg.PublicURI)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		return syncLoop(ctx, cfg.Index.SyncInterval, idx, registry, logger)
	})
	return g.Wait()
}

// syncLoop periodically pulls the remote index, reconciles against the
// metadata store and retries failed pushes.
func syncLoop(ctx context.Context, interval time.Duration, idx *index.Manager,
	registry *store.Registry, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := idx.SyncPull(ctx); err != nil {
			logger.Warn("index pull failed", "error", err)
			continue
		}
		if err := idx.Reconcile(ctx, registry); err != nil {
			logger.Warn("index reconcile failed", "error", err)
		}
		if idx.PushPending() {
			if err := idx.SyncPush(ctx); err != nil {
				logger.Warn("index push retry failed", "error", err)
			}
		}
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
