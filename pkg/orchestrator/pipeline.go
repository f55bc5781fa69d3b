package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
	"github.com/openfroyo/modrunner/pkg/telemetry"
)

// pipeline takes one module from install resolution to a started
// supervisor. It returns once the supervisor runs, or on the first failure.
func (r *Runner) pipeline(e *entry) {
	d := e.desc
	log := r.logger.With().Str("module", d.ID).Logger()

	if prev := e.takePrev(); prev != nil {
		// Cancelling e.ctx kills the previous process at once.
		if err := prev.stopWithin(e.ctx, r.cfg.StopTimeout); err != nil {
			log.Warn().Err(err).Msg("Previous instance did not stop gracefully")
		}
		prev.fail("module replaced", "")
	}

	ctx, span := r.tracer.StartModuleSpan(e.ctx, d.ID)
	defer span.End()
	if id := telemetry.TraceID(ctx); id != "" {
		log = log.With().Str("trace_id", id).Logger()
	}

	st := r.ensureInstalled(ctx, e)
	if !st.IsInstalled() {
		log.Error().Str("code", string(st.Code)).Str("reason", st.Reason).Msg("Module not installed, not starting")
		e.fail(st.Reason, st.Code)
		telemetry.RecordError(span, st.Err)
		return
	}

	if err := r.awaitDependencies(ctx, d); err != nil {
		reason := err.Error()
		var merr *module.Error
		if errors.As(err, &merr) {
			reason = merr.Reason()
		}
		log.Error().Err(err).Msg("Dependency not satisfied, not starting")
		e.fail(reason, module.CodeOf(err))
		telemetry.RecordError(span, err)
		return
	}

	if ctx.Err() != nil || e.isStopping() {
		e.fail("start cancelled", module.CodeCancelled)
		return
	}

	sup := supervisor.New(d, st.Path, supervisor.Options{
		Policy:      r.cfg.Restart,
		StopTimeout: r.cfg.StopTimeout,
		LogCapacity: r.cfg.LogBufferLines,
		Logger:      r.logger,
		OnStateChange: func(_ string, s supervisor.State) {
			r.onProcessState(e, s)
		},
	})
	if !e.attach(sup) {
		e.fail("start cancelled", module.CodeCancelled)
		return
	}
	if err := sup.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start supervisor")
		e.fail(err.Error(), module.CodeProcessSpawn)
		telemetry.RecordError(span, err)
		return
	}
	telemetry.RecordSuccess(span)
}

func (r *Runner) ensureInstalled(ctx context.Context, e *entry) install.State {
	d := e.desc
	if d.InstallType != module.InstallDownloadable {
		return r.installs.Ensure(ctx, d)
	}

	ctx, span := r.tracer.StartInstallSpan(ctx, d.ID, d.Version, d.Source)
	defer span.End()

	var st install.State
	if e.reinstall {
		st = r.installs.Reinstall(ctx, d)
	} else {
		st = r.installs.Ensure(ctx, d)
	}
	if st.Err != nil {
		telemetry.RecordError(span, st.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return st
}

// awaitDependencies blocks until every dependency of d has reached Running
// once. A dependency that fails terminally, or is not started at all,
// fails d with a DEPENDENCY error.
func (r *Runner) awaitDependencies(ctx context.Context, d *module.Descriptor) error {
	for _, dep := range d.DependsOn {
		if err := r.awaitDependency(ctx, d.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) awaitDependency(ctx context.Context, id, dep string) error {
	r.mu.RLock()
	de, ok := r.entries[dep]
	r.mu.RUnlock()

	for {
		if !ok {
			return module.NewProcessError(module.CodeDependency, id,
				fmt.Sprintf("dependency %s is not enabled", dep), nil).WithOperation("dependencies")
		}

		select {
		case <-de.ready:
			return nil
		case <-de.failed:
			r.mu.RLock()
			cur, found := r.entries[dep]
			r.mu.RUnlock()
			if found && cur != de {
				// Replaced by a reload or a command; wait for the new run.
				de = cur
				continue
			}
			select {
			case <-de.ready:
				return nil
			default:
			}
			reason, _ := de.failure()
			return module.NewProcessError(module.CodeDependency, id,
				fmt.Sprintf("dependency %s failed: %s", dep, reason), nil).WithOperation("dependencies")
		case <-ctx.Done():
			return module.NewProcessError(module.CodeCancelled, id,
				fmt.Sprintf("cancelled while waiting for dependency %s", dep), ctx.Err()).WithOperation("dependencies")
		}
	}
}
