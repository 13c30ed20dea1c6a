// Package workers owns the lifetimes of background tasks.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStopped indicates Go was called after Shutdown.
	ErrStopped = errors.New("workers: supervisor stopped")
	// ErrDuplicateTask indicates a task with the same name is already running.
	ErrDuplicateTask = errors.New("workers: task already running")
)

// Task runs until ctx is cancelled. A returned error is logged and does not
// stop sibling tasks.
type Task func(ctx context.Context) error

// Supervisor spawns named tasks under one cancellable context and joins them
// on shutdown.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	group  errgroup.Group

	mu      sync.Mutex
	running map[string]struct{}
	stopped bool
}

// NewSupervisor derives the task context from parent.
func NewSupervisor(parent context.Context, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		running: make(map[string]struct{}),
	}
}

// Go starts the task. Panics are recovered and logged.
func (s *Supervisor) Go(name string, task Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, exists := s.running[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	s.running[name] = struct{}{}
	s.mu.Unlock()

	s.group.Go(func() error {
		defer s.finish(name)
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", recovered))
			}
		}()
		s.logger.Info("background task started", zap.String("task", name))
		if err := task(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
		}
		return nil
	})
	return nil
}

// Running lists the names of tasks that have not returned.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown cancels every task and waits for them to return or for ctx to
// expire, in which case the names still running are reported.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	joined := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers: shutdown interrupted with tasks %v still running: %w", s.Running(), ctx.Err())
	}
}

func (s *Supervisor) finish(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
	s.logger.Info("background task stopped", zap.String("task", name))
}
