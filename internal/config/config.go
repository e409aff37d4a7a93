// Package config provides the configuration structure for the lipsync-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/lipsync-service/internal/compositor"
	"github.com/book-expert/lipsync-service/internal/datagen"
	"github.com/book-expert/lipsync-service/internal/localizer"
	"github.com/book-expert/lipsync-service/internal/objectstore"
)

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultSmoothingWindow       = localizer.DefaultSmoothingWindow
	DefaultFeatherMaxWidth       = compositor.DefaultFeatherMaxWidth
	DefaultFeatherMinWidth       = compositor.DefaultFeatherMinWidth
	DefaultFaceSize              = datagen.DefaultFaceSize
	DefaultBatchSize             = datagen.DefaultBatchSize
	DefaultDetectorBatchSize     = localizer.DefaultBatchSize
	DefaultConfidenceThreshold   = localizer.DefaultConfidenceThreshold
	DefaultPadBottom             = 10
	DefaultFPS                   = 25.0
	DefaultTimeoutSeconds        = 120
	DefaultJobTimeoutSeconds     = 1800
	DefaultMaxFrames             = 9000
	DefaultMetricsListenAddr     = ":9464"
	DefaultFrameObjectStore      = "LIPSYNC_FRAMES"
	DefaultLipSyncRequestSubject = "lipsync.requested"
)

var (
	// ErrNATSURLEmpty indicates a missing NATS server URL.
	ErrNATSURLEmpty = errors.New("nats.url cannot be empty")
	// ErrSubjectEmpty indicates a missing job subject.
	ErrSubjectEmpty = errors.New("nats.lipsync_requested_subject cannot be empty")
	// ErrDetectorURLEmpty indicates a missing detector service URL.
	ErrDetectorURLEmpty = errors.New("detector.url cannot be empty")
	// ErrGeneratorURLEmpty indicates a missing generator service URL.
	ErrGeneratorURLEmpty = errors.New("generator.url cannot be empty")
	// ErrChannelOrder indicates a channel order other than RGB or BGR.
	ErrChannelOrder = errors.New("detector.channel_order must be RGB or BGR")
	// ErrStdZero indicates a zero normalisation divisor.
	ErrStdZero = errors.New("detector.std values must be non-zero")
	// ErrNegativeValue indicates a negative size, width or pad.
	ErrNegativeValue = errors.New("value must be non-negative")
	// ErrConfidenceRange indicates a confidence threshold outside [0, 1].
	ErrConfidenceRange = errors.New("pipeline.confidence_threshold must be between 0.0 and 1.0")
	// ErrFeatherWidths indicates a feather minimum above the maximum.
	ErrFeatherWidths = errors.New("pipeline.feather_min_width must not exceed feather_max_width")
	// ErrMaxFrames indicates a non-positive frame limit.
	ErrMaxFrames = errors.New("pipeline.max_frames must be positive")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                     string `toml:"url"`
	LipSyncRequestedSubject string `toml:"lipsync_requested_subject"`
	VideoRenderedSubject    string `toml:"video_rendered_subject"`
	FrameObjectStoreBucket  string `toml:"frame_object_store_bucket"`
	// ObjectTTLSeconds expires stored objects; zero keeps them.
	ObjectTTLSeconds int `toml:"object_ttl_seconds"`
	// MaxObjectBytes caps a single download; zero uses the store default.
	MaxObjectBytes int64 `toml:"max_object_bytes"`
}

// DetectorConfig describes the face detection service and its input format.
type DetectorConfig struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ChannelOrder   string `toml:"channel_order"`
	// Mean and Std normalise each channel after scaling: (v*scale - mean) / std.
	Mean  [3]float32 `toml:"mean"`
	Std   [3]float32 `toml:"std"`
	Scale float32    `toml:"scale"`
	// ConcurrentInference forces parallel sequential-mode calls even when
	// the service does not advertise support.
	ConcurrentInference bool `toml:"concurrent_inference"`
}

// GeneratorConfig describes the lip generation service.
type GeneratorConfig struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PipelineConfig holds the tunables of the rendering pipeline.
type PipelineConfig struct {
	Pads                *localizer.Pads `toml:"pads"`
	ConfidenceThreshold *float32        `toml:"confidence_threshold"`
	SmoothingWindow     *int            `toml:"smoothing_window"`
	BatchSize           int             `toml:"batch_size"`
	DetectorBatchSize   int             `toml:"detector_batch_size"`
	StaticMode          bool            `toml:"static_mode"`
	FeatherMaxWidth     *int            `toml:"feather_max_width"`
	FeatherMinWidth     *int            `toml:"feather_min_width"`
	FaceSize            int             `toml:"face_size"`
	FPS                 float64         `toml:"fps"`
	JobTimeoutSeconds   int             `toml:"job_timeout_seconds"`
	// MaxFrames caps the frame count a single job may request.
	MaxFrames int `toml:"max_frames"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Detector  DetectorConfig  `toml:"detector"`
	Generator GeneratorConfig `toml:"generator"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Paths     PathsConfig     `toml:"paths"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// Load loads the configuration for the lipsync-service, fills defaults and
// validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset value. Zero is a meaningful pad set,
// confidence threshold, smoothing window and feather width, so those are
// only defaulted when absent.
func (c *Config) ApplyDefaults() {
	if c.NATS.LipSyncRequestedSubject == "" {
		c.NATS.LipSyncRequestedSubject = DefaultLipSyncRequestSubject
	}

	if c.NATS.FrameObjectStoreBucket == "" {
		c.NATS.FrameObjectStoreBucket = DefaultFrameObjectStore
	}

	if c.Detector.TimeoutSeconds <= 0 {
		c.Detector.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.Detector.ChannelOrder == "" {
		defaults := localizer.DefaultPreprocess()
		c.Detector.ChannelOrder = defaults.ChannelOrder
		c.Detector.Mean = defaults.Mean
	}

	if c.Detector.Std == [3]float32{} {
		c.Detector.Std = [3]float32{1, 1, 1}
	}

	if c.Detector.Scale == 0 {
		c.Detector.Scale = 1
	}

	if c.Generator.TimeoutSeconds <= 0 {
		c.Generator.TimeoutSeconds = DefaultTimeoutSeconds
	}

	c.Pipeline.applyDefaults()

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = DefaultMetricsListenAddr
	}
}

func (p *PipelineConfig) applyDefaults() {
	if p.Pads == nil {
		p.Pads = &localizer.Pads{Bottom: DefaultPadBottom}
	}

	if p.ConfidenceThreshold == nil {
		threshold := float32(DefaultConfidenceThreshold)
		p.ConfidenceThreshold = &threshold
	}

	if p.SmoothingWindow == nil {
		p.SmoothingWindow = intPtr(DefaultSmoothingWindow)
	}

	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}

	if p.DetectorBatchSize <= 0 {
		p.DetectorBatchSize = DefaultDetectorBatchSize
	}

	if p.FeatherMaxWidth == nil {
		p.FeatherMaxWidth = intPtr(DefaultFeatherMaxWidth)
	}

	if p.FeatherMinWidth == nil {
		p.FeatherMinWidth = intPtr(DefaultFeatherMinWidth)
	}

	if p.FaceSize <= 0 {
		p.FaceSize = DefaultFaceSize
	}

	if p.FPS <= 0 {
		p.FPS = DefaultFPS
	}

	if p.JobTimeoutSeconds <= 0 {
		p.JobTimeoutSeconds = DefaultJobTimeoutSeconds
	}

	if p.MaxFrames == 0 {
		p.MaxFrames = DefaultMaxFrames
	}
}

// Validate rejects configurations the service cannot run with. It expects
// ApplyDefaults to have run.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	if c.NATS.LipSyncRequestedSubject == "" {
		return ErrSubjectEmpty
	}

	if c.Detector.URL == "" {
		return ErrDetectorURLEmpty
	}

	if c.Generator.URL == "" {
		return ErrGeneratorURLEmpty
	}

	if c.Detector.ChannelOrder != localizer.ChannelOrderRGB && c.Detector.ChannelOrder != localizer.ChannelOrderBGR {
		return fmt.Errorf("%w: got %q", ErrChannelOrder, c.Detector.ChannelOrder)
	}

	if c.NATS.ObjectTTLSeconds < 0 || c.NATS.MaxObjectBytes < 0 {
		return fmt.Errorf("%w: nats.object_ttl_seconds = %d, nats.max_object_bytes = %d",
			ErrNegativeValue, c.NATS.ObjectTTLSeconds, c.NATS.MaxObjectBytes)
	}

	for _, std := range c.Detector.Std {
		if std == 0 {
			return ErrStdZero
		}
	}

	return c.Pipeline.validate()
}

func (p *PipelineConfig) validate() error {
	threshold := p.confidenceThreshold()
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: got %f", ErrConfidenceRange, threshold)
	}

	if p.MaxFrames <= 0 {
		return fmt.Errorf("%w: got %d", ErrMaxFrames, p.MaxFrames)
	}

	pads := p.pads()
	nonNegative := map[string]int{
		"pipeline.pads.top":         pads.Top,
		"pipeline.pads.bottom":      pads.Bottom,
		"pipeline.pads.left":        pads.Left,
		"pipeline.pads.right":       pads.Right,
		"pipeline.smoothing_window": derefInt(p.SmoothingWindow),
		"pipeline.feather_max":      derefInt(p.FeatherMaxWidth),
		"pipeline.feather_min":      derefInt(p.FeatherMinWidth),
	}

	for name, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("%w: %s = %d", ErrNegativeValue, name, value)
		}
	}

	if derefInt(p.FeatherMinWidth) > derefInt(p.FeatherMaxWidth) && derefInt(p.FeatherMaxWidth) > 0 {
		return fmt.Errorf("%w: min %d, max %d", ErrFeatherWidths, derefInt(p.FeatherMinWidth), derefInt(p.FeatherMaxWidth))
	}

	return nil
}

// DetectorTimeout returns the detector request timeout.
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detector.TimeoutSeconds) * time.Second
}

// GeneratorTimeout returns the generator request timeout.
func (c *Config) GeneratorTimeout() time.Duration {
	return time.Duration(c.Generator.TimeoutSeconds) * time.Second
}

// JobTimeout bounds the processing of a single job.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Pipeline.JobTimeoutSeconds) * time.Second
}

// ObjectStoreOptions returns the bucket settings.
func (c *Config) ObjectStoreOptions() objectstore.Options {
	return objectstore.Options{
		TTL:            time.Duration(c.NATS.ObjectTTLSeconds) * time.Second,
		MaxObjectBytes: c.NATS.MaxObjectBytes,
	}
}

// Preprocess returns the detector input format.
func (c *Config) Preprocess() localizer.Preprocess {
	return localizer.Preprocess{
		ChannelOrder: c.Detector.ChannelOrder,
		Mean:         c.Detector.Mean,
		Std:          c.Detector.Std,
		Scale:        c.Detector.Scale,
	}
}

// LocalizerOptions returns the face localizer settings.
func (c *Config) LocalizerOptions() localizer.Options {
	return localizer.Options{
		Pads:                c.Pipeline.pads(),
		ConfidenceThreshold: c.Pipeline.confidenceThreshold(),
		SmoothingWindow:     derefInt(c.Pipeline.SmoothingWindow),
		BatchSize:           c.Pipeline.DetectorBatchSize,
	}
}

// CompositorOptions returns the feathering settings.
func (c *Config) CompositorOptions() compositor.Options {
	return compositor.Options{
		FeatherMaxWidth: derefInt(c.Pipeline.FeatherMaxWidth),
		FeatherMinWidth: derefInt(c.Pipeline.FeatherMinWidth),
	}
}

func (p *PipelineConfig) pads() localizer.Pads {
	if p.Pads == nil {
		return localizer.Pads{}
	}

	return *p.Pads
}

func (p *PipelineConfig) confidenceThreshold() float32 {
	if p.ConfidenceThreshold == nil {
		return 0
	}

	return *p.ConfidenceThreshold
}

func intPtr(v int) *int { return &v }

func derefInt(v *int) int {
	if v == nil {
		return 0
	}

	return *v
}
