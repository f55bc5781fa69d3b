package orchestrator

import (
	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
)

// GetStatus returns the status of a registered module.
func (r *Runner) GetStatus(id string) (ModuleStatus, bool) {
	d, ok := r.registry.Load().Get(id)
	if !ok {
		return ModuleStatus{}, false
	}
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()
	return r.statusOf(d, e), true
}

// ListModules returns the status of every registered module, ordered by id.
func (r *Runner) ListModules() []ModuleStatus {
	reg := r.registry.Load()

	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	out := make([]ModuleStatus, 0, reg.Len())
	for _, d := range reg.All() {
		out = append(out, r.statusOf(d, entries[d.ID]))
	}
	return out
}

// InitErrors returns the modules excluded by the last apply.
func (r *Runner) InitErrors() []module.InitError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]module.InitError(nil), r.initErrs...)
}

// Logs returns up to n recent output lines of a module's process.
func (r *Runner) Logs(id string, n int) []supervisor.LogEntry {
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}
	sup := e.process()
	if sup == nil {
		return nil
	}
	return sup.RecentLogs(n)
}

func (r *Runner) statusOf(d *module.Descriptor, e *entry) ModuleStatus {
	st := ModuleStatus{
		ID:      d.ID,
		Name:    d.DisplayName(),
		Version: d.Version,
		Enabled: d.Enabled,
		Install: install.NotInstalled(),
		Process: supervisor.State{Phase: supervisor.PhaseStopped},
	}
	if inst, ok := r.installs.State(d.ID); ok {
		st.Install = inst
	}

	var reason string
	var code module.ErrorCode
	if e != nil {
		if sup := e.process(); sup != nil {
			st.Process = sup.CurrentState()
		}
		reason, code = e.failure()
	}

	switch {
	case st.Process.IsActive():
	case st.Install.Status == install.StatusFailed:
		st.Reason, st.Code = st.Install.Reason, st.Install.Code
	case st.Process.Terminal:
		st.Reason, st.Code = st.Process.Reason, st.Process.Code
	case reason != "":
		st.Reason, st.Code = reason, code
	case !d.Enabled:
		st.Reason = "module is disabled"
	}
	return st
}

// RequestStart starts a module that is not running, including a disabled
// one. Modules that gave up after a crash loop are started afresh.
func (r *Runner) RequestStart(id string) CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return rejected("runner is shutting down")
	}
	d, ok := r.registry.Load().Get(id)
	if !ok {
		return rejected("unknown module " + id)
	}
	prev := r.entries[id]
	if prev != nil {
		if prev.busy() {
			return rejected("an operation is already in progress")
		}
		if prev.active() {
			return rejected("module is already running")
		}
	}

	e := newEntry(r.baseCtx, d, prev)
	e.manual = true
	r.entries[id] = e
	r.launch(e)
	r.logger.Info().Str("module", id).Msg("Start requested")
	return accepted()
}

// RequestStop gracefully stops a running module. The module stays stopped
// until it is started again or its configuration changes.
func (r *Runner) RequestStop(id string) CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return rejected("runner is shutting down")
	}
	if _, ok := r.registry.Load().Get(id); !ok {
		return rejected("unknown module " + id)
	}
	e := r.entries[id]
	if e == nil || (!e.busy() && !e.active()) {
		return rejected("module is not running")
	}
	if e.isStopping() {
		return rejected("module is already stopping")
	}
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := e.stopWithin(r.baseCtx, r.cfg.StopTimeout); err != nil {
			r.logger.Warn().Err(err).Str("module", id).Msg("Module did not stop gracefully")
		}
		e.fail("stopped on request", "")
	}()
	r.logger.Info().Str("module", id).Msg("Stop requested")
	return accepted()
}

// RequestReinstall downloads a downloadable module again. A running module
// is stopped first and restarted on the new payload.
func (r *Runner) RequestReinstall(id string) CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return rejected("runner is shutting down")
	}
	d, ok := r.registry.Load().Get(id)
	if !ok {
		return rejected("unknown module " + id)
	}
	if d.InstallType != module.InstallDownloadable {
		return rejected("only downloadable modules can be reinstalled")
	}
	if st, ok := r.installs.State(id); ok && st.Status == install.StatusInstalling {
		return rejected("an install is already in progress")
	}

	prev := r.entries[id]
	if prev != nil && prev.busy() {
		return rejected("an operation is already in progress")
	}

	if prev != nil && prev.active() {
		e := newEntry(r.baseCtx, d, prev)
		e.manual = prev.manual
		e.reinstall = true
		r.entries[id] = e
		r.launch(e)
	} else {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			st := r.installs.Reinstall(r.baseCtx, d)
			if !st.IsInstalled() {
				r.logger.Error().Str("module", id).Str("code", string(st.Code)).Msg(st.Reason)
			}
		}()
	}
	r.logger.Info().Str("module", id).Msg("Reinstall requested")
	return accepted()
}
