// Package worker provides a NATS worker that processes lip-sync jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/audio"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultJobTimeout = 30 * time.Minute
	defaultMaxFrames  = 9000
	outputKeyPrefix   = "rendered/"
)

var (
	// ErrFramePrefixEmpty indicates that the frame prefix is empty.
	ErrFramePrefixEmpty = errors.New("frame prefix cannot be empty")
	// ErrFrameCountInvalid indicates a non-positive frame count.
	ErrFrameCountInvalid = errors.New("frame count must be positive")
	// ErrFrameCountTooLarge indicates a frame count above the configured limit.
	ErrFrameCountTooLarge = errors.New("frame count exceeds limit")
	// ErrMelKeyEmpty indicates that the mel key is empty.
	ErrMelKeyEmpty = errors.New("mel key cannot be empty")
	// ErrFPSNegative indicates a negative frame rate.
	ErrFPSNegative = errors.New("fps must be non-negative")
)

// Renderer turns a job into an ordered stream of frames.
type Renderer interface {
	Run(ctx context.Context, job pipeline.Job, writer core.FrameWriter) (pipeline.Result, error)
}

// Settings configures a NatsWorker.
type Settings struct {
	// Subject is where LipSyncRequestedEvents arrive.
	Subject string
	// RenderedSubject, when set, also receives every VideoRenderedEvent.
	RenderedSubject string
	// Chunking splits mel blobs; its FPS is the fallback when a job has none.
	Chunking audio.ChunkParams
	// JobTimeout bounds a single job.
	JobTimeout time.Duration
	// MaxFrames caps the frame count a request may declare.
	MaxFrames int
}

// NatsWorker listens for lip-sync jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	settings       Settings
	store          core.ObjectStore
	renderer       Renderer
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	settings Settings,
	store core.ObjectStore,
	renderer Renderer,
	log *logger.Logger,
) (*NatsWorker, error) {
	if settings.JobTimeout <= 0 {
		settings.JobTimeout = defaultJobTimeout
	}

	if settings.MaxFrames <= 0 {
		settings.MaxFrames = defaultMaxFrames
	}

	err := settings.Chunking.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid mel chunking: %w", err)
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		settings:       settings,
		store:          store,
		renderer:       renderer,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.settings.Subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.settings.Subject, err)
	}

	w.log.Info("Listening for lip-sync jobs on subject: %s", w.settings.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.settings.JobTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		if event != nil {
			w.reply(msg, failedEvent(event, err))
		}

		return
	}

	replyEvent, processErr := w.processJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process lip-sync job for workflow %s: %v", event.Header.WorkflowID, processErr)
		w.reply(msg, failedEvent(event, processErr))

		return
	}

	w.reply(msg, replyEvent)
}

// processJob downloads the job inputs, renders them and uploads the frames.
// On failure every frame already uploaded is removed again.
func (w *NatsWorker) processJob(ctx context.Context, event *core.LipSyncRequestedEvent) (*core.VideoRenderedEvent, error) {
	frames, err := w.downloadFrames(ctx, event)
	if err != nil {
		return nil, err
	}

	mels, fps, err := w.downloadMels(ctx, event)
	if err != nil {
		return nil, err
	}

	outputPrefix := outputKeyPrefix + uuid.NewString()
	writer := NewStoreWriter(w.store, outputPrefix)

	job := pipeline.Job{
		ID:     event.Header.WorkflowID,
		Frames: frames,
		Mels:   mels,
		Static: event.StaticMode,
	}

	result, err := w.renderer.Run(ctx, job, writer)
	if err != nil {
		cleanupErr := writer.Cleanup(context.WithoutCancel(ctx))
		if cleanupErr != nil {
			w.log.Warn("Failed to remove partial output %s: %v", outputPrefix, cleanupErr)
		}

		return nil, fmt.Errorf("failed to render job: %w", err)
	}

	return &core.VideoRenderedEvent{
		Header:       event.Header,
		OutputPrefix: outputPrefix,
		FrameCount:   result.FramesWritten,
		AudioKey:     event.AudioKey,
		FPS:          fps,
	}, nil
}

func (w *NatsWorker) downloadFrames(ctx context.Context, event *core.LipSyncRequestedEvent) ([]*image.RGBA, error) {
	count := event.FrameCount
	if event.StaticMode {
		count = 1
	}

	frames := make([]*image.RGBA, 0, count)

	for index := range count {
		key := media.FrameKey(event.FramePrefix, index)

		data, err := w.store.Download(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to download frame for key '%s': %w", key, err)
		}

		frame, err := media.DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame '%s': %w", key, err)
		}

		frames = append(frames, frame)
	}

	return frames, nil
}

func (w *NatsWorker) downloadMels(ctx context.Context, event *core.LipSyncRequestedEvent) ([]core.MelChunk, float64, error) {
	data, err := w.store.Download(ctx, event.MelKey)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download mel data for key '%s': %w", event.MelKey, err)
	}

	spectrogram, err := media.DecodeMel(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode mel data '%s': %w", event.MelKey, err)
	}

	params := w.settings.Chunking
	if event.FPS > 0 {
		params.FPS = event.FPS
	}

	chunks, err := params.Split(spectrogram)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to split mel spectrogram: %w", err)
	}

	return chunks, params.FPS, nil
}

// reply answers the request, if it expects an answer, and publishes the
// event on the rendered subject when one is configured.
func (w *NatsWorker) reply(msg *nats.Msg, replyEvent *core.VideoRenderedEvent) {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		w.log.Error("Failed to marshal reply event for workflow %s: %v", replyEvent.Header.WorkflowID, err)

		return
	}

	if msg.Reply != "" {
		respondErr := msg.Respond(replyData)
		if respondErr != nil {
			w.log.Error("Failed to publish reply event for workflow %s: %v", replyEvent.Header.WorkflowID, respondErr)
		}
	}

	if w.settings.RenderedSubject != "" {
		publishErr := w.natsConnection.Publish(w.settings.RenderedSubject, replyData)
		if publishErr != nil {
			w.log.Error("Failed to publish rendered event to %s: %v", w.settings.RenderedSubject, publishErr)
		}
	}
}

// parseAndValidateEvent returns the decoded event even when validation
// fails so the caller can still address a reply.
func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*core.LipSyncRequestedEvent, error) {
	var event core.LipSyncRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, validateEvent(&event, w.settings.MaxFrames)
}

// validateEvent runs before anything is sized from the event, so the frame
// count is bounded here.
func validateEvent(event *core.LipSyncRequestedEvent, maxFrames int) error {
	if event.FramePrefix == "" {
		return ErrFramePrefixEmpty
	}

	if event.FrameCount <= 0 {
		return fmt.Errorf("%w: got %d", ErrFrameCountInvalid, event.FrameCount)
	}

	if event.FrameCount > maxFrames {
		return fmt.Errorf("%w: got %d, limit %d", ErrFrameCountTooLarge, event.FrameCount, maxFrames)
	}

	if event.MelKey == "" {
		return ErrMelKeyEmpty
	}

	if event.FPS < 0 {
		return fmt.Errorf("%w: got %f", ErrFPSNegative, event.FPS)
	}

	return nil
}

func failedEvent(event *core.LipSyncRequestedEvent, err error) *core.VideoRenderedEvent {
	return &core.VideoRenderedEvent{
		Header:   event.Header,
		AudioKey: event.AudioKey,
		FPS:      event.FPS,
		Error:    err.Error(),
	}
}
