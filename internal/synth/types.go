package synth

import (
	"context"

	"github.com/chatterlabs/chatter-core/internal/modelcache"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Model is a loaded synthesizer whose lifecycle the cache owns.
type Model interface {
	Synthesizer
	Close() error
}

// assert the loaders plug into the cache.
var (
	_ modelcache.Loader = (*ExecLoader)(nil)
	_ modelcache.Loader = (*MockLoader)(nil)
)
