package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/audio"
	"github.com/book-expert/lipsync-service/internal/compositor"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/detector"
	"github.com/book-expert/lipsync-service/internal/generator"
	"github.com/book-expert/lipsync-service/internal/localizer"
	"github.com/book-expert/lipsync-service/internal/media"
	"github.com/book-expert/lipsync-service/internal/objectstore"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Flag descriptions and messages.
const (
	flagFramesDesc  = "Directory of PNG/JPEG frames in playback order"
	flagMelDesc     = "Mel spectrogram blob (MEL1 format)"
	flagOutputDesc  = "Directory for the composited frames"
	flagFPSDesc     = "Output frame rate (0 uses the configured default)"
	flagStaticDesc  = "Use only the first frame for the whole clip"
	flagLocalDesc   = "Render in-process instead of submitting to the service"
	flagTimeoutDesc = "Overall timeout"
	flagVerboseDesc = "Enable verbose logging"
	flagHealthDesc  = "Check detector and generator service health and exit"
)

// Flag names.
const (
	flagFrames  = "frames"
	flagMel     = "mel"
	flagOutput  = "output"
	flagFPS     = "fps"
	flagStatic  = "static"
	flagLocal   = "local"
	flagTimeout = "timeout"
	flagVerbose = "verbose"
	flagHealth  = "health"
)

// Error and log messages.
const (
	errFramesRequired      = "--frames is required"
	errMelRequired         = "--mel is required"
	errOutputRequired      = "--output is required"
	errNegativeFPS         = "--fps must be non-negative"
	errFmtLoadConfig       = "failed to load configuration: %w"
	errFmtInitLogger       = "failed to initialize logger: %w"
	errFmtServiceNotHealth = "%s service is not healthy: %w"
	errFmtJobFailed        = "lip-sync job %s failed: %s"
	logServiceHealthy      = "%s service is healthy\n"
	logSubmitting          = "Submitting job %s: %d frames from %s"
	logRendered            = "Rendered %d frames into %s\n"
)

// File names and paths.
const (
	logFileNameDefault = "lipsync-client.log"
	logFileNameVerbose = "lipsync-client-verbose.log"
	inputKeyPrefix     = "input/"
	melObjectName      = "/mel.bin"
	defaultTimeout     = 30 * time.Minute
	healthTimeout      = 10 * time.Second
)

var (
	// ErrInvalidArguments groups command-line validation failures.
	ErrInvalidArguments = errors.New("invalid arguments")
	errJobFailed        = errors.New("job failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	frames  string
	mel     string
	output  string
	fps     float64
	static  bool
	local   bool
	timeout time.Duration
	verbose bool
	health  bool
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	cfg, clientLog, err := setup(flags.verbose)
	if err != nil {
		return err
	}
	defer clientLog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	if flags.health {
		return handleHealthCheck(ctx, cfg)
	}

	err = validateArguments(flags)
	if err != nil {
		return err
	}

	if flags.local {
		return renderLocal(ctx, cfg, clientLog, flags)
	}

	return submitRemote(ctx, cfg, clientLog, flags)
}

// parseFlags parses args into an appFlags value.
func parseFlags(args []string, output io.Writer) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("lipsync-client", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&flags.frames, flagFrames, "", flagFramesDesc)
	flagSet.StringVar(&flags.mel, flagMel, "", flagMelDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.Float64Var(&flags.fps, flagFPS, 0, flagFPSDesc)
	flagSet.BoolVar(&flags.static, flagStatic, false, flagStaticDesc)
	flagSet.BoolVar(&flags.local, flagLocal, false, flagLocalDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return flags, err
	}

	return flags, nil
}

// validateArguments checks the flags needed to render a clip.
func validateArguments(flags appFlags) error {
	switch {
	case flags.frames == "":
		return fmt.Errorf("%w: %s", ErrInvalidArguments, errFramesRequired)
	case flags.mel == "":
		return fmt.Errorf("%w: %s", ErrInvalidArguments, errMelRequired)
	case flags.output == "":
		return fmt.Errorf("%w: %s", ErrInvalidArguments, errOutputRequired)
	case flags.fps < 0:
		return fmt.Errorf("%w: %s", ErrInvalidArguments, errNegativeFPS)
	default:
		return nil
	}
}

// setup loads config and initializes the logger.
func setup(verbose bool) (*config.Config, *logger.Logger, error) {
	logFileName := logFileNameDefault
	if verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf(errFmtInitLogger, err)
	}

	cfg, err := config.Load(clientLog)
	if err != nil {
		_ = clientLog.Close()

		return nil, nil, fmt.Errorf(errFmtLoadConfig, err)
	}

	return cfg, clientLog, nil
}

// handleHealthCheck checks both model services and prints the result.
func handleHealthCheck(ctx context.Context, cfg *config.Config) error {
	checks := []struct {
		name  string
		check func(context.Context) error
	}{
		{"detector", detector.NewHTTPClient(cfg.Detector.URL, healthTimeout, false).HealthCheck},
		{"generator", generator.NewHTTPClient(cfg.Generator.URL, healthTimeout).HealthCheck},
	}

	for _, service := range checks {
		err := service.check(ctx)
		if err != nil {
			return fmt.Errorf(errFmtServiceNotHealth, service.name, err)
		}

		fmt.Printf(logServiceHealthy, service.name)
	}

	return nil
}

// renderLocal runs the whole pipeline in-process against the configured
// model services and writes frames to the output directory.
func renderLocal(ctx context.Context, cfg *config.Config, clientLog *logger.Logger, flags appFlags) error {
	frames, err := media.ReadFrameDir(flags.frames)
	if err != nil {
		return err
	}

	mels, err := loadMels(cfg, flags)
	if err != nil {
		return err
	}

	writer, err := media.NewDirWriter(flags.output)
	if err != nil {
		return err
	}

	faceDetector := detector.NewHTTPClient(cfg.Detector.URL, cfg.DetectorTimeout(), cfg.Detector.ConcurrentInference)
	handle := localizer.NewHandle(faceDetector, cfg.Preprocess(), clientLog, nil)
	renderer := pipeline.New(
		localizer.New(handle, cfg.LocalizerOptions(), clientLog, nil),
		generator.NewHTTPClient(cfg.Generator.URL, cfg.GeneratorTimeout()),
		compositor.New(cfg.CompositorOptions()),
		pipeline.Options{BatchSize: cfg.Pipeline.BatchSize, FaceSize: cfg.Pipeline.FaceSize},
		clientLog,
		nil,
	)

	_, err = renderer.Run(ctx, pipeline.Job{
		ID:     uuid.NewString(),
		Frames: frames,
		Mels:   mels,
		Static: flags.static || cfg.Pipeline.StaticMode,
	}, writer)
	if err != nil {
		return err
	}

	fmt.Printf(logRendered, writer.Written(), flags.output)

	return nil
}

func loadMels(cfg *config.Config, flags appFlags) ([]core.MelChunk, error) {
	data, err := os.ReadFile(flags.mel)
	if err != nil {
		return nil, fmt.Errorf("failed to read mel file: %w", err)
	}

	gram, err := media.DecodeMel(data)
	if err != nil {
		return nil, err
	}

	params := audio.NewDefaultParams()
	params.FPS = cfg.Pipeline.FPS

	if flags.fps > 0 {
		params.FPS = flags.fps
	}

	return params.Split(gram)
}

// submitRemote uploads the inputs, requests a render from the service and
// downloads the composited frames.
func submitRemote(ctx context.Context, cfg *config.Config, clientLog *logger.Logger, flags appFlags) error {
	frames, err := media.ReadFrameDir(flags.frames)
	if err != nil {
		return err
	}

	melData, err := os.ReadFile(flags.mel)
	if err != nil {
		return fmt.Errorf("failed to read mel file: %w", err)
	}

	_, err = media.DecodeMel(melData)
	if err != nil {
		return err
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("lipsync-client"))
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

	jobID := uuid.NewString()
	event := buildEvent(jobID, len(frames), flags)

	clientLog.Info(logSubmitting, jobID, len(frames), flags.frames)

	err = uploadInputs(ctx, store, event, frames, melData)
	if err != nil {
		return err
	}

	reply, err := requestRender(ctx, natsConnection, cfg.NATS.LipSyncRequestedSubject, event)
	if err != nil {
		return err
	}

	written, err := downloadOutputs(ctx, store, reply, flags.output)
	if err != nil {
		return err
	}

	fmt.Printf(logRendered, written, flags.output)

	return nil
}

func buildEvent(jobID string, frameCount int, flags appFlags) *core.LipSyncRequestedEvent {
	prefix := inputKeyPrefix + jobID

	return &core.LipSyncRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: jobID,
			EventID:    uuid.NewString(),
		},
		FramePrefix: prefix,
		FrameCount:  frameCount,
		MelKey:      prefix + melObjectName,
		FPS:         flags.fps,
		StaticMode:  flags.static,
	}
}

func uploadInputs(
	ctx context.Context,
	store core.ObjectStore,
	event *core.LipSyncRequestedEvent,
	frames []*image.RGBA,
	melData []byte,
) error {
	for index, frame := range frames {
		data, err := media.EncodeFrame(frame)
		if err != nil {
			return err
		}

		err = store.Upload(ctx, media.FrameKey(event.FramePrefix, index), data)
		if err != nil {
			return err
		}
	}

	return store.Upload(ctx, event.MelKey, melData)
}

func requestRender(
	ctx context.Context,
	natsConnection *nats.Conn,
	subject string,
	event *core.LipSyncRequestedEvent,
) (*core.VideoRenderedEvent, error) {
	eventData, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg, err := natsConnection.RequestWithContext(ctx, subject, eventData)
	if err != nil {
		return nil, fmt.Errorf("failed to request render on %s: %w", subject, err)
	}

	var reply core.VideoRenderedEvent

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}

	if reply.Error != "" {
		return nil, fmt.Errorf("%w: "+errFmtJobFailed, errJobFailed, event.Header.WorkflowID, reply.Error)
	}

	return &reply, nil
}

func downloadOutputs(ctx context.Context, store core.ObjectStore, reply *core.VideoRenderedEvent, outputDir string) (int, error) {
	writer, err := media.NewDirWriter(outputDir)
	if err != nil {
		return 0, err
	}

	for index := range reply.FrameCount {
		data, err := store.Download(ctx, media.FrameKey(reply.OutputPrefix, index))
		if err != nil {
			return writer.Written(), err
		}

		frame, err := media.DecodeFrame(data)
		if err != nil {
			return writer.Written(), err
		}

		err = writer.WriteFrame(ctx, index, frame)
		if err != nil {
			return writer.Written(), err
		}
	}

	return writer.Written(), nil
}
