// Command evocable-worker runs the Stage Worker Protocol loop (spec §4.4)
// for one pipeline stage. One process is started per stage
// (extract/segment/synthesize/package, per config.AllStages); -concurrency
// runs that many independent Worker loops in the same process, each with
// its own consumer identity, so a single stage can be scaled without a
// second binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/epicrunze/evocable/internal/bootstrap"
	"github.com/epicrunze/evocable/internal/config"
	"github.com/epicrunze/evocable/internal/pipeline"
	"github.com/epicrunze/evocable/internal/pprof"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/retryableclient"
	"github.com/epicrunze/evocable/internal/stageclient"
	"github.com/epicrunze/evocable/internal/store"
)

const defaultPollInterval = 2 * time.Second

func main() {
	stage := flag.String("stage", "", fmt.Sprintf("pipeline stage to run (one of %s)", strings.Join(config.AllStages, ", ")))
	concurrency := flag.Int("concurrency", 1, "number of worker loops to run concurrently in this process")
	dotenv := flag.String("dotenv", "", "path to an optional .env file")
	flag.Parse()

	if err := run(*stage, *concurrency, *dotenv); err != nil {
		slog.Error("evocable-worker: exiting", "error", err)
		os.Exit(1)
	}
}

func run(stageName string, concurrency int, dotenvPath string) error {
	spec, ok := pipeline.Specs()[stageName]
	if !ok {
		return fmt.Errorf("unknown -stage %q, must be one of %s", stageName, strings.Join(config.AllStages, ", "))
	}
	if concurrency < 1 {
		concurrency = 1
	}

	cfg, err := config.Load(dotenvPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	stageURL := cfg.StageURL[stageName]
	if stageURL == "" {
		return fmt.Errorf("config: no collaborator URL configured for stage %q (EVOCABLE_%s_URL)", stageName, strings.ToUpper(stageName))
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

	broker, err := queue.OpenBroker(ctx, cfg.QueueDSN)
	if err != nil {
		return fmt.Errorf("opening queue broker: %w", err)
	}
	defer broker.Close()

	lease := cfg.WorkerLease[stageName]
	if lease <= 0 {
		lease = 2 * time.Minute
	}

	hostname, _ := os.Hostname()
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumerID := hostname + "-" + stageName + "-" + strconv.Itoa(i)
		client := stageclient.New(stageURL,
			retryableclient.WithRetryClientLogger(logger),
			retryableclient.WithRetryClientRetryMax(cfg.WorkerMaxAttempts))

		w := &pipeline.Worker{
			Spec:         spec,
			Store:        books,
			Broker:       broker,
			Client:       client,
			Lease:        lease,
			MaxAttempts:  cfg.WorkerMaxAttempts,
			PollInterval: defaultPollInterval,
			ConsumerID:   consumerID,
			Logger:       logger.With("stage", stageName, "consumer_id", consumerID),
		}
		group.Go(func() error { return w.Run(groupCtx) })
	}

	logger.Info("evocable-worker: running", "stage", stageName, "concurrency", concurrency, "stage_url", stageURL)
	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
