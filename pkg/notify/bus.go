package notify

import (
	"context"
	"sync"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Emitter publishes notices.
type Emitter interface {
	Emit(n core.Notice)
}

// Bus broadcasts notices to channel subscribers and typed hooks.
type Bus struct {
	mu   sync.RWMutex
	subs []chan core.Notice

	onStarted   []func(context.Context, *core.Job, *core.JobExecution)
	onCompleted []func(context.Context, *core.Job)
	onFailed    []func(context.Context, *core.Job, *core.Error)
	onRetrying  []func(context.Context, *core.Job, int, *core.Error)

	runningMu sync.Mutex
	running   map[uint]context.CancelFunc
}

var _ Emitter = (*Bus)(nil)

// New creates an empty Bus.
func New() *Bus {
	return &Bus{running: make(map[uint]context.CancelFunc)}
}

// Subscribe returns a channel receiving every notice emitted after the call.
// The caller must call Unsubscribe when done.
func (b *Bus) Subscribe() <-chan core.Notice {
	ch := make(chan core.Notice, DefaultBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe. The channel is not
// closed; no notice is sent to it after Unsubscribe returns.
func (b *Bus) Unsubscribe(ch <-chan core.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit sends n to every subscriber, dropping it for subscribers whose buffer is full.
func (b *Bus) Emit(n core.Notice) {
	b.mu.RLock()
	subs := make([]chan core.Notice, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Hooks
// ──────────────────────────────────────────────────────────────────────────────

// OnJobStarted registers a hook called when an execution starts.
func (b *Bus) OnJobStarted(fn func(context.Context, *core.Job, *core.JobExecution)) {
	b.mu.Lock()
	b.onStarted = append(b.onStarted, fn)
	b.mu.Unlock()
}

// OnJobCompleted registers a hook called when a job completes.
func (b *Bus) OnJobCompleted(fn func(context.Context, *core.Job)) {
	b.mu.Lock()
	b.onCompleted = append(b.onCompleted, fn)
	b.mu.Unlock()
}

// OnJobFailed registers a hook called when a job fails with no retry left.
func (b *Bus) OnJobFailed(fn func(context.Context, *core.Job, *core.Error)) {
	b.mu.Lock()
	b.onFailed = append(b.onFailed, fn)
	b.mu.Unlock()
}

// OnJobRetrying registers a hook called when a failed job is queued again.
func (b *Bus) OnJobRetrying(fn func(context.Context, *core.Job, int, *core.Error)) {
	b.mu.Lock()
	b.onRetrying = append(b.onRetrying, fn)
	b.mu.Unlock()
}

// CallStartedHooks runs the started hooks.
func (b *Bus) CallStartedHooks(ctx context.Context, job *core.Job, exe *core.JobExecution) {
	b.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, *core.JobExecution), len(b.onStarted))
	copy(hooks, b.onStarted)
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, job, exe)
	}
}

// CallCompletedHooks runs the completed hooks.
func (b *Bus) CallCompletedHooks(ctx context.Context, job *core.Job) {
	b.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(b.onCompleted))
	copy(hooks, b.onCompleted)
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailedHooks runs the failed hooks.
func (b *Bus) CallFailedHooks(ctx context.Context, job *core.Job, e *core.Error) {
	b.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, *core.Error), len(b.onFailed))
	copy(hooks, b.onFailed)
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, job, e)
	}
}

// CallRetryingHooks runs the retrying hooks.
func (b *Bus) CallRetryingHooks(ctx context.Context, job *core.Job, attempt int, e *core.Error) {
	b.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, *core.Error), len(b.onRetrying))
	copy(hooks, b.onRetrying)
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, job, attempt, e)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Running executions
// ──────────────────────────────────────────────────────────────────────────────

// RegisterRunning records the cancel function of an execution running here.
func (b *Bus) RegisterRunning(exeID uint, cancel context.CancelFunc) {
	b.runningMu.Lock()
	b.running[exeID] = cancel
	b.runningMu.Unlock()
}

// UnregisterRunning forgets an execution once it has finished.
func (b *Bus) UnregisterRunning(exeID uint) {
	b.runningMu.Lock()
	delete(b.running, exeID)
	b.runningMu.Unlock()
}

// CancelExecution cancels an execution running in this process. It reports
// whether one was found.
func (b *Bus) CancelExecution(exeID uint) bool {
	b.runningMu.Lock()
	cancel, ok := b.running[exeID]
	b.runningMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunningCount returns how many executions are registered.
func (b *Bus) RunningCount() int {
	b.runningMu.Lock()
	defer b.runningMu.Unlock()
	return len(b.running)
}
