package gpuprobe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseMemoryQuery(t *testing.T) {
	cases := []struct {
		name    string
		out     string
		used    int64
		total   int64
		wantErr bool
	}{
		{name: "plain", out: "2048, 8192\n", used: 2048, total: 8192},
		{name: "no trailing newline", out: "512, 4096", used: 512, total: 4096},
		{name: "extra lines ignored", out: "100, 1000\n200, 1000\n", used: 100, total: 1000},
		{name: "no whitespace", out: "7000,8000", used: 7000, total: 8000},
		{name: "empty", out: "", wantErr: true},
		{name: "one field", out: "2048\n", wantErr: true},
		{name: "non numeric", out: "N/A, 8192\n", wantErr: true},
		{name: "zero total", out: "0, 0\n", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			used, total, err := parseMemoryQuery(tc.out)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected parse error for %q", tc.out)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if used != tc.used || total != tc.total {
				t.Fatalf("got used=%d total=%d, want used=%d total=%d", used, total, tc.used, tc.total)
			}
		})
	}
}

func TestNewExecProbeRejectsBadCommands(t *testing.T) {
	if _, err := NewExecProbe("", newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecProbe(`nvidia-smi "unterminated`, newLogger()); err == nil {
		t.Fatal("expected error for unparseable command")
	}
}

func TestExecProbeUtilization(t *testing.T) {
	probe, err := NewExecProbe(`sh -c 'printf "6800, 8000\n"'`, newLogger())
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	pct, err := probe.UtilizationPercent(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if pct != 85 {
		t.Fatalf("expected 85%%, got %g", pct)
	}
}

func TestExecProbeClampsOverCapacity(t *testing.T) {
	probe, err := NewExecProbe(`sh -c 'printf "9000, 8000\n"'`, newLogger())
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	pct, err := probe.UtilizationPercent(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if pct != 100 {
		t.Fatalf("expected clamp to 100%%, got %g", pct)
	}
}

func TestExecProbeMissingBinaryIsUnavailable(t *testing.T) {
	probe, err := NewExecProbe("definitely-not-a-real-binary-12345", newLogger())
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	if _, err := probe.UtilizationPercent(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExecProbeNonZeroExitIsUnavailable(t *testing.T) {
	probe, err := NewExecProbe(`sh -c 'echo "no devices found" >&2; exit 6'`, newLogger())
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	if _, err := probe.UtilizationPercent(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestDisabledProbe(t *testing.T) {
	if _, err := Disabled().UtilizationPercent(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
