// Command evocable-gateway serves the Ingest Gateway and Streaming
// Gateway HTTP surface (spec §4.6-§4.8, §6.1): it owns the public
// listener, the admin listener (metrics), and the boot-time
// reconciliation sweep (spec §4.6). The four Stage Worker Protocol
// workers run as the separate evocable-worker binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/epicrunze/evocable/internal/auth"
	"github.com/epicrunze/evocable/internal/blob"
	"github.com/epicrunze/evocable/internal/bootstrap"
	"github.com/epicrunze/evocable/internal/config"
	"github.com/epicrunze/evocable/internal/gateway"
	"github.com/epicrunze/evocable/internal/pprof"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/reconcile"
	"github.com/epicrunze/evocable/internal/signedurl"
	"github.com/epicrunze/evocable/internal/store"
)

const (
	tokenCacheSize = 10_000
	tokenCacheTTL  = time.Minute
)

func main() {
	dotenv := flag.String("dotenv", "", "path to an optional .env file")
	flag.Parse()

	if err := run(*dotenv); err != nil {
		slog.Error("evocable-gateway: exiting", "error", err)
		os.Exit(1)
	}
}

func run(dotenvPath string) error {
	cfg, err := config.Load(dotenvPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := bootstrap.NewCoreLogger(cfg)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopPprof, err := pprof.StartServer(cfg.PprofAddr)
	if err != nil {
		return fmt.Errorf("starting pprof server: %w", err)
	}
	if stopPprof != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stopPprof(shutdownCtx)
		}()
	}

	books, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	if err := books.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating metadata store: %w", err)
	}

	blobs, err := blob.Open(ctx, cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	broker, err := queue.OpenBroker(ctx, cfg.QueueDSN)
	if err != nil {
		return fmt.Errorf("opening queue broker: %w", err)
	}
	defer broker.Close()
	if err := broker.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating queue broker: %w", err)
	}

	checker, err := auth.NewChecker(auth.PassthroughResolver{}, books, tokenCacheSize, tokenCacheTTL)
	if err != nil {
		return fmt.Errorf("building auth checker: %w", err)
	}

	signer := signedurl.NewSigner(cfg.SigningSecret)
	reg := prometheus.NewRegistry()
	srv := gateway.NewServer(checker, books, blobs, broker, signer, cfg, logger, reg)

	mux := http.NewServeMux()
	srv.Routes(mux)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", srv.MetricsHandler())

	publicServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: adminMux}

	sweeper := reconcile.NewSweeper(books, broker, logger)
	if n, err := sweeper.Run(ctx); err != nil {
		logger.CaptureError(fmt.Errorf("reconciliation sweep: %w", err))
	} else if n > 0 {
		logger.Info("evocable-gateway: reconciliation sweep re-enqueued orphaned books", "count", n)
	}

	// Nil on a cloud-backed blob_root: there's no local tree for it to walk.
	if checker := reconcile.NewIntegrityChecker(books, logger, cfg.BlobRoot); checker != nil {
		if mismatches, err := checker.Sweep(ctx); err != nil {
			logger.CaptureError(fmt.Errorf("blob integrity sweep: %w", err))
		} else if len(mismatches) > 0 {
			logger.Info("evocable-gateway: blob integrity sweep found mismatches", "count", len(mismatches))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return serveUntilShutdown(groupCtx, publicServer) })
	if cfg.AdminAddr != "" {
		group.Go(func() error { return serveUntilShutdown(groupCtx, adminServer) })
	}

	logger.Info("evocable-gateway: listening", "listen_addr", cfg.ListenAddr, "admin_addr", cfg.AdminAddr)
	return group.Wait()
}

// serveUntilShutdown runs srv until ctx is canceled, then drains it with a
// bounded grace period.
func serveUntilShutdown(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
