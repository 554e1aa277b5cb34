package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duffelbag/internal/clock"
	"go.uber.org/zap"
)

// Task is the body of a scheduled job. The context is cancelled on Shutdown.
type Task func(ctx context.Context)

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// Registry owns one-shot timed tasks keyed by name. It keeps a live handle to every
// task until the task finishes or is cancelled.
type Registry struct {
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*handle
	closed  bool
	running sync.WaitGroup
}

type handle struct {
	due     time.Time
	timer   clock.Timer
	running bool
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		clock:  clk,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*handle),
	}
}

// Spawn schedules task to run at due. Past deadlines run as soon as possible.
// It returns false when a task with the same key is already waiting or the registry
// has shut down. A running task may spawn its successor under its own key.
func (r *Registry) Spawn(key string, due time.Time, task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Debug("task rejected after shutdown", zap.String("task", key))
		return false
	}
	if existing, exists := r.tasks[key]; exists && !existing.running {
		r.logger.Debug("task already scheduled", zap.String("task", key))
		return false
	}

	delay := due.Sub(r.clock.Now())
	if delay < 0 {
		delay = 0
	}
	h := &handle{due: due}
	h.timer = r.clock.AfterFunc(delay, func() {
		r.fire(key, h, task)
	})
	r.tasks[key] = h
	r.logger.Debug("task scheduled", zap.String("task", key), zap.Duration("delay", delay))
	return true
}

func (r *Registry) fire(key string, h *handle, task Task) {
	r.mu.Lock()
	if r.closed || r.tasks[key] != h {
		r.mu.Unlock()
		return
	}
	h.running = true
	r.running.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.tasks[key] == h {
			delete(r.tasks, key)
		}
		r.mu.Unlock()
		r.running.Done()
	}()
	task(r.ctx)
}

// Cancel stops a task that has not started yet.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[key]
	if !ok || h.running {
		return false
	}
	delete(r.tasks, key)
	h.timer.Stop()
	return true
}

// Due returns the deadline of a held task.
func (r *Registry) Due(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return h.due, true
}

// Pending lists the keys of held tasks in lexical order.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.tasks))
	for key := range r.tasks {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Shutdown stops every waiting timer, cancels the task context and waits for
// running tasks to return.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for key, h := range r.tasks {
		if h.running {
			continue
		}
		h.timer.Stop()
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	r.cancel()
	r.running.Wait()
}
