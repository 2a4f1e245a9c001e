package protocol

import "time"

const (
	SubjectTTSRequest  = "tts.request"
	SubjectTTSAudio    = "tts.audio"
	SubjectTTSDone     = "tts.done"
	SubjectModelStatus = "ctrl.model.status"
	SubjectModelEvict  = "ctrl.model.evict"
	// SubjectModelStatusEvent carries the periodic status announcement.
	SubjectModelStatusEvent = "ctrl.model.status.event"
)

// TTSRequest asks the daemon to synthesize speech.
type TTSRequest struct {
	SessionID string  `json:"session_id"`
	TraceID   string  `json:"trace_id,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Pace      float64 `json:"pace,omitempty"`
}

// AudioChunk is one streamed PCM chunk of a synthesis result.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus closes out a synthesis session.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelStatus is the monitoring snapshot consumed by status UIs.
type ModelStatus struct {
	State              string     `json:"state"`
	ModelLoaded        bool       `json:"model_loaded"`
	LoadedAt           *time.Time `json:"loaded_at"`
	IdleSeconds        *float64   `json:"idle_seconds"`
	ActiveLeases       int        `json:"active_leases"`
	UtilizationPercent *float64   `json:"utilization_percent"`
	Timestamp          time.Time  `json:"timestamp"`
}

// EvictReply answers an administrative eviction request.
type EvictReply struct {
	Evicted bool   `json:"evicted"`
	Busy    bool   `json:"busy"`
	Error   string `json:"error,omitempty"`
}
