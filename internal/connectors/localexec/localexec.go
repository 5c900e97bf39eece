// Package localexec launches training scripts as local subprocesses.
package localexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bouthilx/protopt/internal/connectors"
	"github.com/bouthilx/protopt/internal/models"
)

// tailLines is the number of stderr lines kept for failure reports.
const tailLines = 20

// excludedArgs are run options consumed by the launcher itself.
var excludedArgs = map[string]bool{
	models.KeyScript:   true,
	models.KeyValidate: true,
	models.KeySeed:     true,
	models.KeyGPUID:    true,
}

// LocalExec implements the Connector interface for local processes.
type LocalExec struct {
	workDir    string
	allowedDir []string
	stdout     io.Writer
	grace      time.Duration
	device     *int
	logger     *slog.Logger
}

// Option customizes a LocalExec.
type Option func(*LocalExec)

// WithAllowedDirs restricts scripts to the given directories.
func WithAllowedDirs(dirs ...string) Option {
	return func(l *LocalExec) {
		for _, d := range dirs {
			if abs, err := filepath.Abs(d); err == nil {
				l.allowedDir = append(l.allowedDir, abs)
			}
		}
	}
}

// WithStdout forwards the script's stdout.
func WithStdout(w io.Writer) Option {
	return func(l *LocalExec) { l.stdout = w }
}

// WithGracePeriod sets how long a terminated script may take to exit
// before it is killed.
func WithGracePeriod(d time.Duration) Option {
	return func(l *LocalExec) { l.grace = d }
}

// WithDevice runs every script on GPU id, whatever gpu_id its
// configuration carries.
func WithDevice(id int) Option {
	return func(l *LocalExec) { l.device = &id }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *LocalExec) { l.logger = logger }
}

// New creates a new LocalExec connector.
func New(workDir string, opts ...Option) *LocalExec {
	l := &LocalExec{
		workDir: workDir,
		stdout:  io.Discard,
		grace:   30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks the script against the allowed directories. Every
// script is allowed when none are configured.
func (l *LocalExec) IsAllowed(script string) bool {
	fields := strings.Fields(script)
	if len(fields) == 0 {
		return false
	}
	if len(l.allowedDir) == 0 {
		return true
	}
	path := fields[0]
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.workDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, dir := range l.allowedDir {
		if rel, err := filepath.Rel(dir, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// BuildArgs renders cfg as command-line flags in key order. True booleans
// become bare flags; false booleans, empty strings and launcher options
// are left out.
func BuildArgs(cfg models.Config) []string {
	m := cfg.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		if !excludedArgs[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
		case bool:
			if v {
				args = append(args, "--"+k)
			}
		case string:
			if v != "" {
				args = append(args, "--"+k, v)
			}
		case float64:
			args = append(args, "--"+k, strconv.FormatFloat(v, 'g', -1, 64))
		default:
			args = append(args, "--"+k, fmt.Sprint(v))
		}
	}
	return args
}

// Launch runs the training script and scrapes its stderr for metrics.
func (l *LocalExec) Launch(ctx context.Context, cfg models.Config, sink connectors.MetricSink) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cfg.Script) {
		return nil, fmt.Errorf("script not allowed: %q", cfg.Script)
	}

	fields := strings.Fields(cfg.Script)
	args := append(fields[1:], BuildArgs(cfg)...)

	execCmd := exec.CommandContext(ctx, fields[0], args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	device := cfg.GPUID
	if l.device != nil {
		device = *l.device
	}
	execCmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strconv.Itoa(device))
	execCmd.Stdout = l.stdout
	execCmd.Cancel = func() error {
		return execCmd.Process.Signal(syscall.SIGTERM)
	}
	execCmd.WaitDelay = l.grace

	stderr, err := execCmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	l.logger.Info("running command", "command", fields[0], "args", strings.Join(args, " "))
	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("exec error: %w", err)
	}

	result := &connectors.ExecResult{Command: fields[0], Args: args}
	var tail []string
	var parser Parser
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		l.logger.Debug("stderr", "line", line)
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
		for _, s := range parser.Feed(line) {
			if err := sink(ctx, s.Name, s.Value, s.Epoch); err != nil {
				l.logger.Warn("failed to record scalar", "metric", s.Name, "epoch", s.Epoch, "error", err)
				continue
			}
			result.Scalars++
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		l.logger.Warn("stderr scan stopped", "error", err)
	}

	err = execCmd.Wait()
	result.Stderr = strings.Join(tail, "\n")
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, context.Cause(ctx)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}
