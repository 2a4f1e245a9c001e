// Package gpuprobe reports accelerator memory utilization by shelling out to
// a vendor query tool, nvidia-smi by default.
package gpuprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ErrUnavailable reports that no accelerator monitoring is reachable. Callers
// treat it as "pressure policy disabled", never as a pressure signal.
var ErrUnavailable = errors.New("accelerator monitoring unavailable")

// Probe reports memory utilization as a percentage of total capacity.
type Probe interface {
	UtilizationPercent(ctx context.Context) (float64, error)
}

type execProbe struct {
	cmd []string
	log *slog.Logger

	mu      sync.Mutex
	totalMB int64 // cached capacity; refreshed only when the tool reports a change
}

// NewExecProbe builds a probe around a query command expected to print
// "used, total" in MiB, the nvidia-smi --query-gpu=memory.used,memory.total
// CSV shape.
func NewExecProbe(command string, log *slog.Logger) (Probe, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse probe command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("probe command empty")
	}
	return &execProbe{
		cmd: args,
		log: log.With(slog.String("component", "gpu-probe")),
	}, nil
}

func (p *execProbe) UtilizationPercent(ctx context.Context) (float64, error) {
	base := p.cmd[0]
	args := append([]string{}, p.cmd[1:]...)
	out, err := exec.CommandContext(ctx, base, args...).Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, ErrUnavailable
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// nvidia-smi exits non-zero when no device or driver is
			// present; that is absence, not a probe fault.
			return 0, fmt.Errorf("%w: %s exited: %s", ErrUnavailable, base, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, fmt.Errorf("run probe command: %w", err)
	}

	used, total, err := parseMemoryQuery(string(out))
	if err != nil {
		return 0, fmt.Errorf("parse probe output: %w", err)
	}

	p.mu.Lock()
	if p.totalMB == 0 {
		p.totalMB = total
	} else if total != p.totalMB {
		p.log.Info("accelerator capacity changed",
			slog.Int64("previous_mb", p.totalMB),
			slog.Int64("current_mb", total))
		p.totalMB = total
	}
	capacity := p.totalMB
	p.mu.Unlock()

	pct := float64(used) / float64(capacity) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// parseMemoryQuery extracts used and total MiB from the first line of
// "used, total" CSV output.
func parseMemoryQuery(out string) (used, total int64, err error) {
	line := out
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected 'used, total', got %q", strings.TrimSpace(line))
	}
	used, err = strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad used value: %w", err)
	}
	total, err = strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad total value: %w", err)
	}
	if total <= 0 {
		return 0, 0, fmt.Errorf("non-positive total capacity %d", total)
	}
	return used, total, nil
}

type disabledProbe struct{}

// Disabled returns a probe that always reports ErrUnavailable, for hosts
// without an accelerator.
func Disabled() Probe { return disabledProbe{} }

func (disabledProbe) UtilizationPercent(context.Context) (float64, error) {
	return 0, ErrUnavailable
}
