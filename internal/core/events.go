package core

import "github.com/book-expert/events"

// LipSyncRequestedEvent asks the service to render a lip-synced frame sequence.
// Frames live in the object store under FramePrefix as zero-padded PNG keys.
type LipSyncRequestedEvent struct {
	Header      events.EventHeader `json:"header"`
	FramePrefix string             `json:"frame_prefix"`
	FrameCount  int                `json:"frame_count"`
	MelKey      string             `json:"mel_key"`
	AudioKey    string             `json:"audio_key"`
	FPS         float64            `json:"fps"`
	StaticMode  bool               `json:"static_mode"`
}

// VideoRenderedEvent reports the composited frames of a finished job. AudioKey
// is passed through untouched for the downstream muxer.
type VideoRenderedEvent struct {
	Header       events.EventHeader `json:"header"`
	OutputPrefix string             `json:"output_prefix"`
	FrameCount   int                `json:"frame_count"`
	AudioKey     string             `json:"audio_key"`
	FPS          float64            `json:"fps"`
	Error        string             `json:"error,omitempty"`
}
