// main package for the lipsync-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/audio"
	"github.com/book-expert/lipsync-service/internal/compositor"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/detector"
	"github.com/book-expert/lipsync-service/internal/generator"
	"github.com/book-expert/lipsync-service/internal/localizer"
	"github.com/book-expert/lipsync-service/internal/objectstore"
	"github.com/book-expert/lipsync-service/internal/observe"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/book-expert/lipsync-service/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "lipsync-service"
	shutdownTimeout = 10 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "lipsync-service-bootstrap.log")
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "lipsync-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

// serve wires the collaborators and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: serviceName})
	if err != nil {
		return fmt.Errorf("failed to initialise metrics: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdownErr := shutdownMetrics(shutdownCtx)
		if shutdownErr != nil {
			log.Warn("Failed to shut down metrics provider: %v", shutdownErr)
		}
	}()

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.FrameObjectStoreBucket, cfg.ObjectStoreOptions())
	if err != nil {
		return err
	}

	faceDetector := detector.NewHTTPClient(cfg.Detector.URL, cfg.DetectorTimeout(), cfg.Detector.ConcurrentInference)
	lipModel := generator.NewHTTPClient(cfg.Generator.URL, cfg.GeneratorTimeout())

	handle := localizer.NewHandle(faceDetector, cfg.Preprocess(), log, nil)
	renderer := pipeline.New(
		localizer.New(handle, cfg.LocalizerOptions(), log, nil),
		lipModel,
		compositor.New(cfg.CompositorOptions()),
		pipeline.Options{
			BatchSize:  cfg.Pipeline.BatchSize,
			FaceSize:   cfg.Pipeline.FaceSize,
			StaticMode: cfg.Pipeline.StaticMode,
		},
		log,
		nil,
	)

	chunking := audio.NewDefaultParams()
	chunking.FPS = cfg.Pipeline.FPS

	natsWorker, err := worker.NewNatsWorker(natsConnection, worker.Settings{
		Subject:         cfg.NATS.LipSyncRequestedSubject,
		RenderedSubject: cfg.NATS.VideoRenderedSubject,
		Chunking:        chunking,
		JobTimeout:      cfg.JobTimeout(),
		MaxFrames:       cfg.Pipeline.MaxFrames,
	}, store, renderer, log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("Lipsync-Service successfully initialized. Listening for jobs on subject: %s",
		cfg.NATS.LipSyncRequestedSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return natsWorker.Run(groupCtx) })
	group.Go(func() error { return observe.Serve(groupCtx, cfg.Metrics.ListenAddr) })

	return group.Wait()
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
