package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
)

// entry tracks one run of a module: its pipeline goroutine and, once the
// pipeline gets that far, its supervisor. Entries are replaced, never
// restarted.
type entry struct {
	desc        *module.Descriptor
	fingerprint string

	// manual entries were started through RequestStart and survive reloads
	// that leave the module disabled.
	manual    bool
	reinstall bool

	ctx    context.Context
	cancel context.CancelFunc

	done   chan struct{} // pipeline returned
	ready  chan struct{} // process reached Running once
	failed chan struct{} // terminal failure or stop

	readyOnce sync.Once
	failOnce  sync.Once

	mu        sync.Mutex
	prev      *entry
	sup       *supervisor.Supervisor
	stopping  bool
	lastPhase supervisor.Phase
	reason    string
	code      module.ErrorCode
}

func newEntry(parent context.Context, d *module.Descriptor, prev *entry) *entry {
	ctx, cancel := context.WithCancel(parent)
	return &entry{
		desc:        d,
		fingerprint: d.Fingerprint(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		failed:      make(chan struct{}),
		prev:        prev,
	}
}

func (e *entry) markReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// fail records the first failure reason and releases dependents.
func (e *entry) fail(reason string, code module.ErrorCode) {
	e.mu.Lock()
	if e.reason == "" {
		e.reason = reason
		e.code = code
	}
	e.mu.Unlock()
	e.failOnce.Do(func() { close(e.failed) })
}

func (e *entry) failure() (string, module.ErrorCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason, e.code
}

func (e *entry) process() *supervisor.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

// busy reports whether the pipeline is still installing or waiting.
func (e *entry) busy() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// active reports whether the module has a live process or a pending restart.
func (e *entry) active() bool {
	sup := e.process()
	return sup != nil && sup.CurrentState().IsActive()
}

func (e *entry) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

// attach installs sup as the entry's supervisor unless a stop was requested
// meanwhile.
func (e *entry) attach(sup *supervisor.Supervisor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return false
	}
	e.sup = sup
	return true
}

// takePrev returns the entry this one replaces, at most once.
func (e *entry) takePrev() *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.prev
	e.prev = nil
	return p
}

// stop cancels the pipeline, waits for it to return and stops the process.
// A timeout <= 0 kills the process immediately.
func (e *entry) stop(timeout time.Duration) error {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	e.cancel()
	<-e.done

	sup := e.process()
	if sup == nil {
		return nil
	}
	if timeout <= 0 {
		return sup.Stop(false, 0)
	}
	return sup.Stop(true, timeout)
}

// stopWithin stops e gracefully like stop, but kills the process as soon
// as ctx is cancelled.
func (e *entry) stopWithin(ctx context.Context, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() { result <- e.stop(timeout) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
	}

	<-e.done
	if sup := e.process(); sup != nil {
		_ = sup.Stop(false, 0)
	}
	return <-result
}

// phaseChange records the latest phase and returns the previous one.
func (e *entry) phaseChange(p supervisor.Phase) supervisor.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.lastPhase
	e.lastPhase = p
	return old
}
