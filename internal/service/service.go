package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chatterlabs/chatter-core/internal/bus"
	"github.com/chatterlabs/chatter-core/internal/config"
	"github.com/chatterlabs/chatter-core/internal/gpuprobe"
	"github.com/chatterlabs/chatter-core/internal/modelcache"
	"github.com/chatterlabs/chatter-core/internal/protocol"
	"github.com/chatterlabs/chatter-core/internal/synth"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	requestTimeout = 5 * time.Minute
	statusInterval = 10 * time.Second
)

// Service is the serving boundary: it turns bus traffic into acquire/use/
// release cycles against the model cache.
type Service struct {
	cfg    config.ModelConfig
	bus    *bus.Client
	cache  *modelcache.Cache
	probe  gpuprobe.Probe
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(parent context.Context, cfg config.ModelConfig, busClient *bus.Client, cache *modelcache.Cache, probe gpuprobe.Probe, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		cache:  cache,
		probe:  probe,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	sub, err := conn.Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	evictSub, err := conn.Subscribe(protocol.SubjectModelEvict, s.handleEvict)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, evictSub)

	statusSub, err := conn.Subscribe(protocol.SubjectModelStatus, s.handleStatus)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, statusSub)

	s.wg.Add(1)
	go s.announceStatus()

	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		if err := s.synthesize(ctx, req); err != nil {
			s.logger.Warn("tts request failed",
				slog.String("trace_id", req.TraceID),
				slogError(err))
			s.publishDone(req, err)
			return
		}
		s.publishDone(req, nil)
	}()
}

func (s *Service) synthesize(ctx context.Context, req protocol.TTSRequest) error {
	lease, err := s.cache.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	model, ok := lease.Model().(synth.Model)
	if !ok {
		return errors.New("cached model does not synthesize")
	}

	chunks, errs := model.Synthesize(ctx, synth.SynthRequest{
		SessionID: req.SessionID,
		Text:      req.Text,
		Voice:     req.Voice,
	})
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.publishChunk(chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
		if chunks == nil && errs == nil {
			return nil
		}
	}
}

func (s *Service) publishChunk(chunk synth.SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  chunk.SessionID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal audio chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSAudio, data); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err))
	}
}

func (s *Service) publishDone(req protocol.TTSRequest, synthErr error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Completed: synthErr == nil,
		Timestamp: time.Now().UTC(),
	}
	if synthErr != nil {
		status.Error = synthErr.Error()
	}
	if data, err := json.Marshal(status); err == nil {
		_ = s.bus.Conn().Publish(protocol.SubjectTTSDone, data)
	}
}

// handleEvict serves the administrative unload request. A busy model is
// reported, never torn down underneath its leaseholders.
func (s *Service) handleEvict(msg *nats.Msg) {
	reply := protocol.EvictReply{}
	switch err := s.cache.ForceEvict(); {
	case err == nil:
		reply.Evicted = true
	case errors.Is(err, modelcache.ErrBusy):
		reply.Busy = true
	default:
		reply.Error = err.Error()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal evict reply", slogError(err))
		return
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to respond to evict request", slogError(err))
		}
	}
}

func (s *Service) handleStatus(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(s.Status())
	if err != nil {
		s.logger.Warn("failed to marshal status", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to status request", slogError(err))
	}
}

// announceStatus periodically publishes the model snapshot for dashboards.
func (s *Service) announceStatus() {
	defer s.wg.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.Status())
			if err != nil {
				continue
			}
			if err := s.bus.Conn().Publish(protocol.SubjectModelStatusEvent, data); err != nil {
				s.logger.Warn("failed to publish status event", slogError(err))
			}
		}
	}
}

// Status assembles the monitoring snapshot from the cache and the probe.
func (s *Service) Status() protocol.ModelStatus {
	snap := s.cache.Snapshot()
	status := protocol.ModelStatus{
		State:        snap.State.String(),
		ModelLoaded:  snap.State == modelcache.StateReady,
		ActiveLeases: snap.RefCount,
		Timestamp:    time.Now().UTC(),
	}
	if !snap.LoadedAt.IsZero() {
		loadedAt := snap.LoadedAt
		status.LoadedAt = &loadedAt
		if snap.RefCount == 0 {
			idle := snap.IdleSeconds
			status.IdleSeconds = &idle
		}
	}
	if s.probe != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		if util, err := s.probe.UtilizationPercent(ctx); err == nil {
			status.UtilizationPercent = &util
		}
	}
	return status
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
