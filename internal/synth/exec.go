package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/chatterlabs/chatter-core/internal/config"
	"github.com/chatterlabs/chatter-core/internal/modelcache"
	"github.com/mattn/go-shellwords"
)

const (
	readyTimeout = 5 * time.Minute
	stopTimeout  = 10 * time.Second
)

// ExecLoader starts a long-lived model runtime subprocess that holds the
// synthesis model in memory and answers newline-delimited JSON requests on
// stdin/stdout.
type ExecLoader struct {
	cmd        []string
	modelPath  string
	sampleRate int
	channels   int
	log        *slog.Logger
}

func NewExecLoader(cfg config.ModelConfig, log *slog.Logger) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("model command empty")
	}
	return &ExecLoader{
		cmd:        args,
		modelPath:  cfg.ModelPath,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		log:        log.With(slog.String("component", "model-runtime")),
	}, nil
}

type readyMessage struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Load spawns the runtime and waits for its ready handshake. Any process
// started on a failed path is killed and reaped before returning so a
// partial load never leaks accelerator memory.
func (l *ExecLoader) Load(ctx context.Context) (modelcache.Model, error) {
	base := l.cmd[0]
	args := append([]string{}, l.cmd[1:]...)
	args = append(args, "--model", l.modelPath)

	cmd := exec.Command(base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open runtime stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start model runtime: %w", err)
	}

	reader := bufio.NewReader(stdout)
	if err := awaitReady(ctx, reader); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	l.log.Info("model runtime ready", slog.String("command", base))
	return &execModel{
		cmd:        cmd,
		stdin:      stdin,
		reader:     reader,
		sampleRate: l.sampleRate,
		channels:   l.channels,
		log:        l.log,
	}, nil
}

func awaitReady(ctx context.Context, reader *bufio.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	type result struct {
		msg readyMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			ch <- result{err: fmt.Errorf("read ready handshake: %w", err)}
			return
		}
		var msg readyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			ch <- result{err: fmt.Errorf("decode ready handshake: %w", err)}
			return
		}
		ch <- result{msg: msg}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("model runtime did not become ready: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.msg.Status != "ready" {
			return fmt.Errorf("model runtime refused to load: %s", r.msg.Error)
		}
		return nil
	}
}

type execRequest struct {
	Op         string `json:"op"`
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// execModel is the live runtime process. Requests are serialized on the
// process pipes; concurrent leaseholders queue on mu.
type execModel struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	reader     *bufio.Reader
	sampleRate int
	channels   int
	log        *slog.Logger
	mu         sync.Mutex
	closed     bool
}

func (m *execModel) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			errs <- errors.New("model runtime closed")
			return
		}

		payload, err := json.Marshal(execRequest{
			Op:         "synthesize",
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
		})
		if err != nil {
			errs <- err
			return
		}
		payload = append(payload, '\n')
		if _, err := m.stdin.Write(payload); err != nil {
			errs <- fmt.Errorf("write synth request: %w", err)
			return
		}

		sequence := 0
		for {
			line, err := m.reader.ReadBytes('\n')
			if err != nil {
				errs <- fmt.Errorf("read synth response: %w", err)
				return
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode synth response: %w", err)
				return
			}
			if resp.Error != "" {
				errs <- fmt.Errorf("model runtime error: %s", resp.Error)
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode pcm chunk: %w", err)
				return
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if resp.Final {
				return
			}
			sequence++
		}
	}()

	return chunks, errs
}

// Close stops the runtime process and waits for it to exit, escalating to a
// kill after stopTimeout. Accelerator memory is only reclaimed once the
// process is gone, which drivers may report with a lag.
func (m *execModel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	_ = m.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- m.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("model runtime exit: %w", err)
		}
		return nil
	case <-time.After(stopTimeout):
		m.log.Warn("model runtime did not exit, killing")
		_ = m.cmd.Process.Kill()
		<-done
		return errors.New("model runtime killed after stop timeout")
	}
}
