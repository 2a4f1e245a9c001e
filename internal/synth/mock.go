package synth

import (
	"context"
	"errors"
	"time"

	"github.com/chatterlabs/chatter-core/internal/modelcache"
)

// MockLoader produces an in-process fake model, used in mock mode and tests.
type MockLoader struct {
	LoadDelay  time.Duration
	FailWith   error
	SampleRate int
	Channels   int
}

func (l *MockLoader) Load(ctx context.Context) (modelcache.Model, error) {
	if l.LoadDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.LoadDelay):
		}
	}
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	return &mockModel{sampleRate: l.SampleRate, channels: l.Channels}, nil
}

type mockModel struct {
	sampleRate int
	channels   int
	closed     bool
}

func (m *mockModel) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(20 * time.Millisecond):
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, 256),
			Final:      true,
		}
	}()
	return chunks, errs
}

func (m *mockModel) Close() error {
	if m.closed {
		return errors.New("mock model closed twice")
	}
	m.closed = true
	return nil
}
