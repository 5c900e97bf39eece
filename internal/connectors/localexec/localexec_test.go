package localexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bouthilx/protopt/internal/models"
)

func TestIsAllowed(t *testing.T) {
	dir := t.TempDir()
	exec := New(dir, WithAllowedDirs(filepath.Join(dir, "scripts")))

	tests := []struct {
		script  string
		allowed bool
	}{
		{"scripts/train.sh", true},
		{filepath.Join(dir, "scripts", "train.sh") + " --fast", true},
		{"scripts/../../escape.sh", false}, // outside the allowed dir
		{"/bin/rm -rf /", false},           // not in allowlist
		{"", false},                        // no script
	}

	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			got := exec.IsAllowed(tt.script)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.script, got, tt.allowed)
			}
		})
	}

	if !New("").IsAllowed("python train.py") {
		t.Error("Expected every script to be allowed without an allowlist")
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := models.Config{
		Script:   "train.sh",
		SavePath: "/save",
		Resume:   true,
		Validate: true,
		GPUID:    1,
		Seed:     4,
		Params:   map[string]any{"lr": 0.001, "depth": int64(18), "nesterov": false},
	}

	got := BuildArgs(cfg)
	want := []string{"--depth", "18", "--lr", "0.001", "--resume", "--save_path", "/save"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs = %v, want %v", got, want)
	}
}

func TestParser(t *testing.T) {
	var p Parser
	lines := []string{
		"loading data",
		"1\t0.5\t0.4", // before the header, ignored
		"INFO:root:#n\ttrain_m\tvalid_acc",
		"INFO:root:1\t0.9\t0.6",
		"# comment",
		"2\t0.7\tnan",
		"3\tbad\t0.8",
	}
	var got []Scalar
	for _, l := range lines {
		got = append(got, p.Feed(l)...)
	}

	if len(got) != 4 {
		t.Fatalf("Expected 4 scalars, got %d: %+v", len(got), got)
	}
	if got[1] != (Scalar{Name: "valid_acc", Value: 0.6, Epoch: 1}) {
		t.Errorf("Unexpected scalar %+v", got[1])
	}
	if got[2].Name != "train_m" || got[2].Epoch != 2 {
		t.Errorf("Unexpected scalar %+v", got[2])
	}
}

func TestParser_RepeatedHeader(t *testing.T) {
	var p Parser
	lines := []string{
		"#n\ttrain_m\tvalid_acc",
		"1\t0.9\t0.6",
		"#n\ttrain_m\tvalid_acc\tvalid_loss",
		"2\t0.7\t0.65\t1.2",
	}
	var got []Scalar
	for _, l := range lines {
		got = append(got, p.Feed(l)...)
	}

	want := []Scalar{
		{Name: "train_m", Value: 0.9, Epoch: 1},
		{Name: "valid_acc", Value: 0.6, Epoch: 1},
		{Name: "train_m", Value: 0.7, Epoch: 2},
		{Name: "valid_acc", Value: 0.65, Epoch: 2},
		{Name: "valid_loss", Value: 1.2, Epoch: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Feed = %+v, want %+v", got, want)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "train.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

type recorder struct {
	mu      sync.Mutex
	scalars []Scalar
}

func (r *recorder) sink(_ context.Context, name string, value, step float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars = append(r.scalars, Scalar{Name: name, Value: value, Epoch: step})
	return nil
}

func TestLaunch_ScrapesMetrics(t *testing.T) {
	script := writeScript(t, `
echo "args: $@" 1>&2
echo "gpu: $CUDA_VISIBLE_DEVICES" 1>&2
printf '#n\ttrain_m\tvalid_acc\n' 1>&2
printf '1\t0.9\t0.5\n' 1>&2
printf '2\t0.8\t0.7\n' 1>&2
`)
	cfg := models.Config{Script: script, GPUID: 2, Params: map[string]any{"lr": 0.1}}

	var rec recorder
	result, err := New("").Launch(context.Background(), cfg, rec.sink)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Scalars != 4 || len(rec.scalars) != 4 {
		t.Errorf("Expected 4 scalars, got %d: %+v", result.Scalars, rec.scalars)
	}
	if !strings.Contains(result.Stderr, "gpu: 2") {
		t.Errorf("CUDA_VISIBLE_DEVICES not exported: %s", result.Stderr)
	}
	if !strings.Contains(result.Stderr, "args: --lr 0.1") {
		t.Errorf("Unexpected arguments: %s", result.Stderr)
	}
}

func TestLaunch_DeviceOverridesConfig(t *testing.T) {
	script := writeScript(t, "echo \"gpu: $CUDA_VISIBLE_DEVICES\" 1>&2\n")

	result, err := New("", WithDevice(1)).Launch(context.Background(), models.Config{Script: script, GPUID: 3}, (&recorder{}).sink)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if !strings.Contains(result.Stderr, "gpu: 1") {
		t.Errorf("Expected device 1, got %q", result.Stderr)
	}
}

func TestLaunch_NonZeroExit(t *testing.T) {
	script := writeScript(t, "echo 'CUDA out of memory' 1>&2\nexit 3\n")

	result, err := New("").Launch(context.Background(), models.Config{Script: script}, (&recorder{}).sink)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "out of memory") {
		t.Errorf("Expected stderr tail, got %q", result.Stderr)
	}
}

func TestLaunch_CancelReturnsCause(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel(models.ErrTimedOut)
	}()

	start := time.Now()
	_, err := New("", WithGracePeriod(time.Second)).Launch(ctx, models.Config{Script: script}, (&recorder{}).sink)
	if !errors.Is(err, models.ErrTimedOut) {
		t.Errorf("Expected ErrTimedOut, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("Launch did not stop the script")
	}
}

func TestLaunch_NotAllowed(t *testing.T) {
	exec := New(t.TempDir(), WithAllowedDirs("/nonexistent"))

	_, err := exec.Launch(context.Background(), models.Config{Script: "/bin/rm -rf /"}, (&recorder{}).sink)
	if err == nil {
		t.Error("Expected error for non-allowed script")
	}
}
