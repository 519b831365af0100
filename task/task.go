// Package task runs supervised background goroutines that can be stopped and joined.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handle controls one running task.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go starts fn in its own goroutine with a context derived from parent. A panic inside fn
// is recovered and reported as the task's error.
func Go(parent context.Context, name string, logger *zap.Logger, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	if logger == nil {
		logger = zap.NewNop()
	}

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task panicked", zap.String("task", name), zap.Any("panic", r), zap.Stack("stack"))
				h.setErr(fmt.Errorf("task %s panicked: %v", name, r))
			}
		}()

		err := fn(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		h.setErr(err)
		logger.Debug("task exited", zap.String("task", name), zap.Error(err))
	}()
	return h
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Stop signals the task to exit. It does not wait.
func (h *Handle) Stop() { h.cancel() }

// Join blocks until the task exits and returns its error. Cancellation is not an error.
func (h *Handle) Join() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the task exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// StopAndJoin stops every non-nil handle, then waits for all of them.
func StopAndJoin(handles ...*Handle) {
	for _, h := range handles {
		if h != nil {
			h.Stop()
		}
	}
	for _, h := range handles {
		if h != nil {
			_ = h.Join()
		}
	}
}
