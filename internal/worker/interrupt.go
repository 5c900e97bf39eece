package worker

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bouthilx/protopt/internal/models"
)

// Interrupter turns termination signals into the cancellation cause of a
// context. Only the first interrupt takes effect.
type Interrupter struct {
	cancel context.CancelCauseFunc
	logger *slog.Logger

	once    sync.Once
	mu      sync.Mutex
	signals chan os.Signal
	done    chan struct{}
}

// NewInterrupter returns a context cancelled by the first interrupt.
func NewInterrupter(parent context.Context, logger *slog.Logger) (context.Context, *Interrupter) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return ctx, &Interrupter{cancel: cancel, logger: logger}
}

// Interrupt cancels the context with cause. It reports whether this call
// was the one that fired.
func (i *Interrupter) Interrupt(cause error) bool {
	fired := false
	i.once.Do(func() {
		fired = true
		i.logger.Warn("interrupting worker", "cause", cause)
		i.cancel(cause)
	})
	if !fired {
		i.logger.Debug("already interrupted, ignoring", "cause", cause)
	}
	return fired
}

// causeOf maps a signal to the status the running trial should record.
// SIGTERM is how batch schedulers end a job that ran out of time.
func causeOf(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		return models.ErrTimedOut
	}
	return models.ErrInterrupted
}

// Notify starts relaying SIGINT and SIGTERM.
func (i *Interrupter) Notify() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.signals != nil {
		return
	}
	i.signals = make(chan os.Signal, 2)
	i.done = make(chan struct{})
	signal.Notify(i.signals, syscall.SIGINT, syscall.SIGTERM)
	go func(signals <-chan os.Signal, done <-chan struct{}) {
		for {
			select {
			case sig := <-signals:
				i.Interrupt(causeOf(sig))
			case <-done:
				return
			}
		}
	}(i.signals, i.done)
}

// Stop stops relaying signals and releases the context.
func (i *Interrupter) Stop() {
	i.mu.Lock()
	if i.signals != nil {
		signal.Stop(i.signals)
		close(i.done)
		i.signals = nil
	}
	i.mu.Unlock()
	i.cancel(context.Canceled)
}
