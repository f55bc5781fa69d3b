package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
	"github.com/openfroyo/modrunner/pkg/telemetry"
)

// Runner owns the module registry, the install manager and one supervisor
// per running module.
type Runner struct {
	cfg Config

	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
	admission module.Admission
	fetchers  install.Fetchers
	lookPath  func(string) (string, error)
	resolver  *install.Resolver
	installs  *install.Manager

	baseCtx    context.Context
	baseCancel context.CancelFunc
	faults     chan error

	registry atomic.Pointer[module.Registry]

	// applyMu serializes registry applies and shutdown.
	applyMu sync.Mutex

	mu       sync.RWMutex
	entries  map[string]*entry
	initErrs []module.InitError
	closed   bool

	dlMu        sync.Mutex
	downloading map[string]bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Runner. The modules root is created if missing; a root that
// cannot be created or written is a fatal error.
func New(cfg Config, opts ...Option) (*Runner, error) {
	cfg = cfg.withDefaults()

	root, err := prepareModulesRoot(cfg.ModulesRoot)
	if err != nil {
		return nil, err
	}
	cfg.ModulesRoot = root

	r := &Runner{
		cfg:         cfg,
		logger:      zerolog.Nop(),
		lookPath:    defaultLookPath,
		faults:      make(chan error, 1),
		entries:     make(map[string]*entry),
		downloading: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "orchestrator").Logger()

	if _, err := install.SweepStaging(root, r.logger); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to clean staging directory")
	}

	if r.metrics == nil {
		r.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if r.tracer == nil {
		r.tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "modrunner", "", "")
	}
	if r.fetchers == nil {
		r.fetchers = defaultFetchers()
	}
	if r.resolver == nil {
		r.resolver = install.NewResolver()
	}

	downloader := install.NewDownloader(r.resolver, r.fetchers, r.logger)
	r.installs = install.NewManager(r.resolver, downloader, cfg.DownloadConcurrency, r.logger,
		install.WithObserver(r.onInstallState),
		install.WithInstallHook(r.onInstallDone),
	)

	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	r.registry.Store(module.EmptyRegistry())
	return r, nil
}

func prepareModulesRoot(dir string) (string, error) {
	if dir == "" {
		return "", module.NewFatalError(module.CodeModulesRoot, "modules root is not configured", nil)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", module.NewFatalError(module.CodeModulesRoot, "invalid modules root", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", module.NewFatalError(module.CodeModulesRoot, fmt.Sprintf("cannot create modules root %s", root), err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return "", module.NewFatalError(module.CodeModulesRoot, fmt.Sprintf("modules root %s is not writable", root), err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return root, nil
}

// Installs exposes the install manager.
func (r *Runner) Installs() *install.Manager {
	return r.installs
}

// Run applies raws, then supervises until ctx is cancelled or an internal
// fault occurs, and finally drains every module. A nil configuration and
// any recovered panic are returned as fatal errors.
func (r *Runner) Run(ctx context.Context, raws []module.RawConfig) (err error) {
	if raws == nil {
		return module.NewFatalError(module.CodeConfigValidation, "module configuration is nil", nil)
	}

	defer func() {
		if p := recover(); p != nil {
			err = r.panicError("control loop", p)
			r.logger.Error().Err(err).Msg("Orchestrator fault")
			r.drain()
		}
	}()

	r.logger.Info().Int("modules", len(raws)).Msg("Starting orchestrator")
	r.Apply(ctx, raws)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Stop requested, draining modules")
			r.drain()
			return nil
		case fault := <-r.faults:
			r.logger.Error().Err(fault).Msg("Orchestrator fault")
			r.drain()
			return fault
		case <-ticker.C:
			r.poll()
		}
	}
}

func (r *Runner) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}

func (r *Runner) panicError(where string, p any) error {
	return module.NewFatalError(module.CodeInternal, fmt.Sprintf("panic in %s: %v", where, p), nil).
		WithDetail("stack", string(debug.Stack()))
}

// fault reports an internal failure to Run. Only the first one is kept.
func (r *Runner) fault(err error) {
	select {
	case r.faults <- err:
	default:
	}
}

// poll refreshes state gauges from the live supervisors.
func (r *Runner) poll() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if sup := e.process(); sup != nil {
			r.metrics.SetModulePhase(e.desc.ID, sup.CurrentState().Phase.String())
		}
	}
	r.metrics.SetModulesConfigured(r.registry.Load().Len())
}

// Apply builds a registry from raws and reconciles the running set with it.
// Unchanged modules are left alone, removed or disabled modules are
// stopped, changed modules are restarted and new modules are started.
// Applying the same configuration twice has no effect.
func (r *Runner) Apply(ctx context.Context, raws []module.RawConfig) []module.InitError {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	ctx, span := r.tracer.StartApplySpan(ctx, len(raws))
	defer span.End()

	reg, initErrs := module.BuildRegistry(ctx, raws, module.BuildOptions{
		ModulesRoot:      r.cfg.ModulesRoot,
		PreInstalledRoot: r.cfg.PreInstalledRoot,
		Admission:        r.admission,
		LookPath:         r.lookPath,
	})
	for _, ie := range initErrs {
		code := module.CodeOf(ie.Err)
		r.logger.Warn().Str("module", ie.ModuleID).Str("code", string(code)).Msgf("Module excluded: %s", ie.Reason)
		r.metrics.RecordInitError(string(code))
		r.events.PublishModuleExcluded(ie.ModuleID, string(code), ie.Reason)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return initErrs
	}
	previous := r.registry.Load()
	r.registry.Store(reg)
	r.initErrs = initErrs

	var stops []*entry
	var starts []*entry
	for id, e := range r.entries {
		d, ok := reg.Get(id)
		switch {
		case !ok, !d.Enabled && !(e.manual && d.Fingerprint() == e.fingerprint):
			stops = append(stops, e)
			delete(r.entries, id)
		case d.Fingerprint() != e.fingerprint:
			ne := newEntry(r.baseCtx, d, e)
			r.entries[id] = ne
			starts = append(starts, ne)
		}
	}
	for _, d := range reg.Enabled() {
		if _, ok := r.entries[d.ID]; ok {
			continue
		}
		ne := newEntry(r.baseCtx, d, nil)
		r.entries[d.ID] = ne
		starts = append(starts, ne)
	}
	for _, e := range starts {
		r.launch(e)
	}
	idle := make([]*module.Descriptor, 0, reg.Len())
	for _, d := range reg.All() {
		if _, ok := r.entries[d.ID]; !ok {
			idle = append(idle, d)
		}
	}
	r.mu.Unlock()

	r.stopAll(r.baseCtx, stops, r.cfg.StopTimeout)

	for _, id := range previous.IDs() {
		if _, ok := reg.Get(id); ok {
			continue
		}
		r.installs.Forget(id)
		r.metrics.ForgetModule(id)
		r.events.PublishModuleRemoved(id)
		r.logger.Info().Str("module", id).Msg("Module removed")
	}
	for _, d := range idle {
		r.installs.Resolve(d)
	}

	r.metrics.SetModulesConfigured(reg.Len())
	r.events.PublishRegistryApplied(reg.Len(), len(initErrs), len(starts), len(stops))
	r.logger.Info().
		Int("modules", reg.Len()).
		Int("excluded", len(initErrs)).
		Int("started", len(starts)).
		Int("stopped", len(stops)).
		Msg("registry applied")
	telemetry.RecordSuccess(span)
	return initErrs
}

// launch starts the pipeline goroutine of e. Callers hold r.mu and have
// checked that the runner is not closed.
func (r *Runner) launch(e *entry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		defer func() {
			if p := recover(); p != nil {
				err := r.panicError("module pipeline "+e.desc.ID, p)
				e.fail(err.Error(), module.CodeInternal)
				r.fault(err)
			}
		}()
		r.pipeline(e)
	}()
}

// stopAll stops entries concurrently, killing what is left once ctx is
// cancelled. Escalations to SIGKILL are logged and returned joined.
func (r *Runner) stopAll(ctx context.Context, entries []*entry, timeout time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			err := e.stopWithin(ctx, timeout)
			e.fail("module stopped", "")
			if err != nil {
				r.logger.Warn().Err(err).Str("module", e.desc.ID).Msg("Module did not stop gracefully")
				r.metrics.RecordError(string(module.ClassOf(err)), string(module.CodeOf(err)))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown cancels in-flight installs and stops every module under one
// drain deadline: the earlier of ctx's deadline and the configured drain
// timeout. Processes that ignore SIGTERM are killed when it expires. It is
// safe to call more than once.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Runner) shutdown(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.DrainTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Cancel before taking applyMu: stops still running in Apply or
	// RequestStop kill their processes instead of waiting out StopTimeout.
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.baseCancel()

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	r.logger.Info().Int("modules", len(entries)).Time("deadline", deadline).Msg("Shutting down modules")

	drainCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	err := r.stopAll(drainCtx, entries, time.Until(deadline))
	r.wg.Wait()

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	r.logger.Info().Msg("All modules stopped")
	return nil
}

// onInstallState tracks downloads entering and leaving Installing.
func (r *Runner) onInstallState(id string, st install.State) {
	installing := st.Status == install.StatusInstalling

	r.dlMu.Lock()
	was := r.downloading[id]
	if installing {
		r.downloading[id] = true
	} else {
		delete(r.downloading, id)
	}
	r.dlMu.Unlock()

	switch {
	case installing && !was:
		r.metrics.DownloadStarted()
		if d, ok := r.registry.Load().Get(id); ok {
			r.events.PublishInstallStarted(id, d.Version, d.Source)
		}
	case was && !installing:
		r.metrics.DownloadFinished()
	}
}

func (r *Runner) onInstallDone(id string, st install.State, elapsed time.Duration) {
	if st.IsInstalled() {
		r.metrics.RecordInstall("installed", elapsed)
		r.events.PublishInstalled(id, st.Version, st.Path, elapsed)
		return
	}
	version := ""
	if d, ok := r.registry.Load().Get(id); ok {
		version = d.Version
	}
	r.metrics.RecordInstall(string(st.Code), elapsed)
	r.metrics.RecordError(string(module.ErrorClassInstall), string(st.Code))
	r.events.PublishInstallFailed(id, version, string(st.Code), st.Reason)
}

// onProcessState runs on the supervisor goroutine and must not block.
func (r *Runner) onProcessState(e *entry, st supervisor.State) {
	id := e.desc.ID
	old := e.phaseChange(st.Phase)

	r.metrics.SetModulePhase(id, st.Phase.String())
	data := map[string]interface{}{"restarts": st.Restarts}
	if st.PID != 0 {
		data["pid"] = st.PID
	}
	if st.Phase == supervisor.PhaseCrashed || st.Phase == supervisor.PhaseRestarting {
		data["exit_code"] = st.ExitCode
	}
	r.events.PublishProcessStateChanged(id, old.String(), st.Phase.String(), data)

	switch st.Phase {
	case supervisor.PhaseRunning:
		e.markReady()
	case supervisor.PhaseRestarting:
		r.metrics.RecordRestart(id)
	case supervisor.PhaseStopped:
		if st.Terminal {
			r.metrics.RecordCrashLoop(id)
			r.metrics.RecordError(string(module.ErrorClassProcess), string(st.Code))
			r.events.PublishCrashLoop(id, st.Reason)
			e.fail(st.Reason, st.Code)
		}
	}
}
