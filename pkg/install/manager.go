package install

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Observer is notified after every install state change.
type Observer func(moduleID string, st State)

// InstallHook is called when a download attempt finishes.
type InstallHook func(moduleID string, st State, elapsed time.Duration)

// Manager owns the install state of every module. Downloads across modules
// run concurrently up to the configured limit.
type Manager struct {
	resolver   *Resolver
	downloader *Downloader
	sem        *semaphore.Weighted
	logger     zerolog.Logger

	observer Observer
	onDone   InstallHook

	mu     sync.RWMutex
	states map[string]State
	locks  map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithObserver registers a state change observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithInstallHook registers a hook for finished downloads.
func WithInstallHook(h InstallHook) ManagerOption {
	return func(m *Manager) { m.onDone = h }
}

// NewManager creates a manager allowing at most concurrency simultaneous
// downloads.
func NewManager(resolver *Resolver, downloader *Downloader, concurrency int, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	if concurrency < 1 {
		concurrency = 1
	}
	m := &Manager{
		resolver:   resolver,
		downloader: downloader,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		logger:     logger.With().Str("component", "install-manager").Logger(),
		states:     make(map[string]State),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the last known install state of a module.
func (m *Manager) State(moduleID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[moduleID]
	return st, ok
}

// Forget drops the state of a module removed from the registry.
func (m *Manager) Forget(moduleID string) {
	m.mu.Lock()
	delete(m.states, moduleID)
	delete(m.locks, moduleID)
	m.mu.Unlock()
}

// Resolve recomputes the install state of d from disk without downloading.
func (m *Manager) Resolve(d *module.Descriptor) State {
	st := m.resolver.Resolve(d)
	m.set(d.ID, st)
	return st
}

// Ensure resolves d and downloads it when it is missing. Calls for the same
// module are serialized, so a second caller observes the first one's result
// without fetching again.
func (m *Manager) Ensure(ctx context.Context, d *module.Descriptor) State {
	return m.run(ctx, d, false)
}

// Reinstall downloads d again and replaces the managed copy.
func (m *Manager) Reinstall(ctx context.Context, d *module.Descriptor) State {
	return m.run(ctx, d, true)
}

func (m *Manager) run(ctx context.Context, d *module.Descriptor, force bool) State {
	lock := m.lockFor(d.ID)
	lock.Lock()
	defer lock.Unlock()

	if !force {
		st := m.resolver.Resolve(d)
		if st.Status != StatusNotInstalled {
			m.set(d.ID, st)
			return st
		}
	} else if d.InstallType != module.InstallDownloadable {
		st := Failed(module.NewInstallError(module.CodeUnsupported, d.ID, "only downloadable modules can be reinstalled", nil))
		m.set(d.ID, st)
		return st
	}

	m.set(d.ID, Installing(0))

	if err := m.sem.Acquire(ctx, 1); err != nil {
		st := Failed(module.NewInstallError(module.CodeCancelled, d.ID, "install cancelled while waiting for a download slot", err))
		m.set(d.ID, st)
		return st
	}
	defer m.sem.Release(1)

	start := time.Now()
	progress := m.progressFor(d.ID)

	var st State
	if force {
		st = m.downloader.Reinstall(ctx, d, progress)
	} else {
		st = m.downloader.Install(ctx, d, progress)
	}
	m.set(d.ID, st)

	if m.onDone != nil {
		m.onDone(d.ID, st, time.Since(start))
	}
	return st
}

// progressFor publishes Installing states, at most once per whole percent.
func (m *Manager) progressFor(moduleID string) ProgressFunc {
	last := -1
	return func(written, total int64) {
		if total <= 0 {
			if last != -2 {
				last = -2
				m.set(moduleID, Installing(-1))
			}
			return
		}
		pct := int(written * 100 / total)
		if pct == last {
			return
		}
		last = pct
		m.set(moduleID, Installing(float64(written)/float64(total)))
	}
}

func (m *Manager) lockFor(moduleID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[moduleID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[moduleID] = l
	}
	return l
}

func (m *Manager) set(moduleID string, st State) {
	m.mu.Lock()
	prev, had := m.states[moduleID]
	m.states[moduleID] = st
	m.mu.Unlock()

	if had && prev.Status != st.Status {
		m.logger.Debug().
			Str("module", moduleID).
			Str("from", prev.Status.String()).
			Str("to", st.Status.String()).
			Msg("install state changed")
	}

	if m.observer != nil {
		m.observer(moduleID, st)
	}
}
