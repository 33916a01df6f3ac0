package backup

import (
	"context"
	"fmt"
	"sync"
)

// inflightGuard allows one backup or restore per target at a time inside
// this process. A second request is rejected, never queued. The catalog lock
// in targetLock extends the rule to other processes.
type inflightGuard struct {
	mu     sync.Mutex
	active map[string]string
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{active: make(map[string]string)}
}

// acquire claims target for operation and returns the release func
func (g *inflightGuard) acquire(target, operation string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if holder, busy := g.active[target]; busy {
		return nil, NewConflictError(fmt.Sprintf("%s is already running against %s", holder, target), nil).
			WithContext("target", target).
			WithContext("holder", holder)
	}
	g.active[target] = operation

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, target)
			g.mu.Unlock()
		})
	}, nil
}

// runRegistry tracks the cancel funcs of running operations by record id
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]context.CancelCauseFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]context.CancelCauseFunc)}
}

// start derives a cancellable context for id and returns the cleanup func
func (r *runRegistry) start(ctx context.Context, id string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	r.runs[id] = cancel
	r.mu.Unlock()

	return runCtx, func() {
		r.mu.Lock()
		delete(r.runs, id)
		r.mu.Unlock()
		cancel(nil)
	}
}

// cancel cancels the run for id and reports whether it was running here
func (r *runRegistry) cancel(id string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.runs[id]
	r.mu.Unlock()

	if ok {
		cancel(cause)
	}
	return ok
}
