package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
)

func fastPolicy(maxAttempts int) supervisor.RestartPolicy {
	return supervisor.RestartPolicy{
		MaxAttempts:    maxAttempts,
		CrashWindow:    time.Minute,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
	}
}

type testHost struct {
	*Runner
	preinstalled string
	modules      string
}

func newTestHost(t *testing.T, policy supervisor.RestartPolicy, opts ...Option) *testHost {
	t.Helper()

	dir := t.TempDir()
	h := &testHost{
		preinstalled: filepath.Join(dir, "preinstalled"),
		modules:      filepath.Join(dir, "modules"),
	}
	r, err := New(Config{
		ModulesRoot:      h.modules,
		PreInstalledRoot: h.preinstalled,
		DrainTimeout:     3 * time.Second,
		StopTimeout:      2 * time.Second,
		PollInterval:     50 * time.Millisecond,
		Restart:          policy,
	}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.Runner = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return h
}

// shellModule declares a pre-installed module running script under /bin/sh.
func (h *testHost) shellModule(t *testing.T, id, script string) module.RawConfig {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(h.preinstalled, id), 0o755); err != nil {
		t.Fatalf("failed to create pre-installed dir: %v", err)
	}
	return module.RawConfig{ID: id, Command: "/bin/sh", Args: []string{"-c", script}}
}

func makeTarGz(t *testing.T, name, body string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatalf("failed to write body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

func servePackage(t *testing.T, blob []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/pkg.tar.gz"
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (h *testHost) status(t *testing.T, id string) ModuleStatus {
	t.Helper()
	st, ok := h.GetStatus(id)
	if !ok {
		t.Fatalf("GetStatus(%q) found nothing", id)
	}
	return st
}

func (h *testHost) waitRunning(t *testing.T, id string) ModuleStatus {
	t.Helper()
	waitFor(t, 5*time.Second, id+" running", func() bool {
		st, ok := h.GetStatus(id)
		return ok && st.Process.IsRunning()
	})
	return h.status(t, id)
}

func (h *testHost) hasLog(id, substr string) bool {
	for _, e := range h.Logs(id, 100) {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestNew_ModulesRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	tests := []struct {
		name string
		root string
	}{
		{"empty", ""},
		{"file in the way", file},
		{"below a file", filepath.Join(file, "modules")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{ModulesRoot: tt.root})
			if !errors.Is(err, module.ErrModulesRoot) {
				t.Fatalf("New() error = %v, want MODULES_ROOT", err)
			}
			if !module.IsFatal(err) {
				t.Errorf("error class = %s, want fatal", module.ClassOf(err))
			}
		})
	}

	created := filepath.Join(dir, "a", "b")
	r, err := New(Config{ModulesRoot: created})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Shutdown(context.Background())
	if info, err := os.Stat(created); err != nil || !info.IsDir() {
		t.Errorf("modules root was not created: %v", err)
	}
}

func TestNew_SweepsStaging(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, install.StagingDir, "svc-0b8f6c1e-2f5a-4c7d-9e3b-1a2b3c4d5e6f")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("failed to create staging dir: %v", err)
	}

	r, err := New(Config{ModulesRoot: root})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer r.Shutdown(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale staging dir survived New: %v", err)
	}
}

// A pre-installed and a downloadable module both come up.
func TestRunner_StartsPreinstalledAndDownloadable(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	source := servePackage(t, makeTarGz(t, "bin/run", "#!/bin/sh\necho fetched\nexec sleep 30\n"))
	raws := []module.RawConfig{
		h.shellModule(t, "local", "echo hello; exec sleep 30"),
		{ID: "remote", Version: "1.0.0", InstallType: module.InstallDownloadable, Command: "bin/run", Source: source},
	}

	if errs := h.Apply(context.Background(), raws); len(errs) != 0 {
		t.Fatalf("Apply() init errors = %v", errs)
	}

	local := h.waitRunning(t, "local")
	remote := h.waitRunning(t, "remote")

	if local.Install.Path != filepath.Join(h.preinstalled, "local") {
		t.Errorf("local install path = %s", local.Install.Path)
	}
	if remote.Install.Status != install.StatusInstalled {
		t.Errorf("remote install status = %s", remote.Install.Status)
	}
	if remote.Install.Path != filepath.Join(h.modules, "remote") {
		t.Errorf("remote install path = %s", remote.Install.Path)
	}
	if remote.Reason != "" || local.Reason != "" {
		t.Errorf("running modules carry reasons %q / %q", local.Reason, remote.Reason)
	}
	waitFor(t, 2*time.Second, "module output", func() bool {
		return h.hasLog("local", "hello") && h.hasLog("remote", "fetched")
	})

	list := h.ListModules()
	if len(list) != 2 || list[0].ID != "local" || list[1].ID != "remote" {
		t.Errorf("ListModules() = %+v", list)
	}
}

// An unreachable package source fails only that module.
func TestRunner_NetworkFailureIsolated(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	raws := []module.RawConfig{
		h.shellModule(t, "healthy", "exec sleep 30"),
		{ID: "broken", InstallType: module.InstallDownloadable, Command: "bin/run", Source: "http://127.0.0.1:1/pkg.tar.gz"},
	}
	h.Apply(context.Background(), raws)

	h.waitRunning(t, "healthy")
	waitFor(t, 10*time.Second, "install failure", func() bool {
		return h.status(t, "broken").Install.Status == install.StatusFailed
	})

	st := h.status(t, "broken")
	if st.Code != module.CodeNetwork {
		t.Errorf("code = %s, want %s", st.Code, module.CodeNetwork)
	}
	if st.Reason == "" {
		t.Error("expected a failure reason")
	}
	if st.Process.Phase != supervisor.PhaseStopped {
		t.Errorf("process phase = %s, want stopped", st.Process.Phase)
	}
	if _, err := os.Stat(filepath.Join(h.modules, "broken")); !os.IsNotExist(err) {
		t.Errorf("failed install left a managed directory: %v", err)
	}
}

func TestRunner_CrashLoopIsTerminal(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	h.Apply(context.Background(), []module.RawConfig{h.shellModule(t, "flaky", "exit 3")})

	waitFor(t, 5*time.Second, "crash loop", func() bool {
		return h.status(t, "flaky").Process.Terminal
	})

	st := h.status(t, "flaky")
	if st.Process.Phase != supervisor.PhaseStopped {
		t.Errorf("phase = %s, want stopped", st.Process.Phase)
	}
	if st.Code != module.CodeCrashLoopExceeded {
		t.Errorf("code = %s, want %s", st.Code, module.CodeCrashLoopExceeded)
	}
	if st.Process.Restarts != 2 {
		t.Errorf("restarts = %d, want 2", st.Process.Restarts)
	}
	if st.Process.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", st.Process.ExitCode)
	}
}

func TestRunner_ApplyIsIdempotent(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	raws := []module.RawConfig{
		h.shellModule(t, "steady", "exec sleep 30"),
		h.shellModule(t, "changing", "exec sleep 30"),
		h.shellModule(t, "leaving", "exec sleep 30"),
	}
	h.Apply(context.Background(), raws)
	steady := h.waitRunning(t, "steady").Process.PID
	changing := h.waitRunning(t, "changing").Process.PID
	h.waitRunning(t, "leaving")

	h.mu.RLock()
	leaving := h.entries["leaving"]
	h.mu.RUnlock()

	h.Apply(context.Background(), raws)
	if pid := h.status(t, "steady").Process.PID; pid != steady {
		t.Fatalf("re-applying the same configuration restarted steady: pid %d -> %d", steady, pid)
	}

	next := []module.RawConfig{
		raws[0],
		h.shellModule(t, "changing", "exec sleep 31"),
	}
	h.Apply(context.Background(), next)

	if _, ok := h.GetStatus("leaving"); ok {
		t.Error("removed module is still registered")
	}
	if leaving.active() {
		t.Error("removed module is still running")
	}
	if pid := h.status(t, "steady").Process.PID; pid != steady {
		t.Errorf("unchanged module restarted: pid %d -> %d", steady, pid)
	}
	waitFor(t, 5*time.Second, "changed module restart", func() bool {
		st := h.status(t, "changing")
		return st.Process.IsRunning() && st.Process.PID != changing
	})
}

func TestRunner_DisablingStopsModule(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	raw := h.shellModule(t, "toggle", "exec sleep 30")
	h.Apply(context.Background(), []module.RawConfig{raw})
	h.waitRunning(t, "toggle")

	disabled := false
	raw.Enabled = &disabled
	h.Apply(context.Background(), []module.RawConfig{raw})

	st := h.status(t, "toggle")
	if st.Process.IsActive() {
		t.Fatalf("disabled module still %s", st.Process.Phase)
	}
	if st.Enabled || st.Reason != "module is disabled" {
		t.Errorf("status = enabled %v reason %q", st.Enabled, st.Reason)
	}
}

func TestRunner_DependencyOrdering(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	app := h.shellModule(t, "app", "exec sleep 30")
	app.DependsOn = []string{"db"}
	h.Apply(context.Background(), []module.RawConfig{
		app,
		h.shellModule(t, "db", "sleep 0.3; echo up; exec sleep 30"),
	})

	db := h.waitRunning(t, "db")
	st := h.waitRunning(t, "app")
	if st.Process.StartedAt.Before(db.Process.StartedAt) {
		t.Errorf("app started at %s before its dependency at %s", st.Process.StartedAt, db.Process.StartedAt)
	}
}

func TestRunner_FailedDependency(t *testing.T) {
	h := newTestHost(t, fastPolicy(2))

	app := h.shellModule(t, "app", "exec sleep 30")
	app.DependsOn = []string{"db"}
	db := module.RawConfig{ID: "db", Command: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}
	// db has no pre-installed directory, so it never installs.
	h.Apply(context.Background(), []module.RawConfig{app, db})

	waitFor(t, 5*time.Second, "dependency failure", func() bool {
		return h.status(t, "app").Code == module.CodeDependency
	})
	st := h.status(t, "app")
	if !strings.Contains(st.Reason, "dependency db failed") {
		t.Errorf("reason = %q", st.Reason)
	}
	if st.Process.IsActive() {
		t.Errorf("app started despite its dependency failing")
	}
}

func TestRunner_Commands(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	h.Apply(context.Background(), []module.RawConfig{h.shellModule(t, "svc", "exec sleep 30")})
	first := h.waitRunning(t, "svc").Process.PID

	if res := h.RequestStart("svc"); res.Accepted {
		t.Error("RequestStart accepted for a running module")
	}
	if res := h.RequestStart("ghost"); res.Accepted || !strings.Contains(res.Reason, "unknown") {
		t.Errorf("RequestStart(ghost) = %+v", res)
	}
	if res := h.RequestReinstall("svc"); res.Accepted {
		t.Error("RequestReinstall accepted for a pre-installed module")
	}

	if res := h.RequestStop("svc"); !res.Accepted {
		t.Fatalf("RequestStop rejected: %s", res.Reason)
	}
	waitFor(t, 5*time.Second, "svc stopped", func() bool {
		st := h.status(t, "svc")
		return st.Process.Phase == supervisor.PhaseStopped && st.Reason != ""
	})
	if st := h.status(t, "svc"); st.Reason != "stopped on request" {
		t.Errorf("reason = %q", st.Reason)
	}
	if res := h.RequestStop("svc"); res.Accepted {
		t.Error("RequestStop accepted for a stopped module")
	}

	if res := h.RequestStart("svc"); !res.Accepted {
		t.Fatalf("RequestStart rejected: %s", res.Reason)
	}
	if pid := h.waitRunning(t, "svc").Process.PID; pid == first {
		t.Errorf("restarted module kept pid %d", pid)
	}
}

func TestRunner_ReinstallRestarts(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	source := servePackage(t, makeTarGz(t, "bin/run", "#!/bin/sh\nexec sleep 30\n"))
	h.Apply(context.Background(), []module.RawConfig{
		{ID: "remote", InstallType: module.InstallDownloadable, Command: "bin/run", Source: source},
	})
	first := h.waitRunning(t, "remote").Process.PID

	if res := h.RequestReinstall("remote"); !res.Accepted {
		t.Fatalf("RequestReinstall rejected: %s", res.Reason)
	}
	waitFor(t, 5*time.Second, "reinstalled module running", func() bool {
		st := h.status(t, "remote")
		return st.Process.IsRunning() && st.Process.PID != first
	})
}

func TestRunner_ShutdownStopsEverything(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))
	h.cfg.DrainTimeout = 300 * time.Millisecond

	h.Apply(context.Background(), []module.RawConfig{
		h.shellModule(t, "polite", "exec sleep 30"),
		h.shellModule(t, "stubborn", `trap "" TERM; echo armed; while true; do sleep 0.1; done`),
	})
	h.waitRunning(t, "polite")
	h.waitRunning(t, "stubborn")
	waitFor(t, 2*time.Second, "trap armed", func() bool { return h.hasLog("stubborn", "armed") })

	start := time.Now()
	err := h.Shutdown(context.Background())
	if !errors.Is(err, module.ErrShutdownTimeout) {
		t.Errorf("Shutdown() error = %v, want SHUTDOWN_TIMEOUT", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown took %s", elapsed)
	}

	for _, st := range h.ListModules() {
		if st.Process.IsActive() {
			t.Errorf("%s still %s after shutdown", st.ID, st.Process.Phase)
		}
	}
	if res := h.RequestStart("polite"); res.Accepted {
		t.Error("RequestStart accepted after shutdown")
	}
	if again := h.Shutdown(context.Background()); !errors.Is(again, module.ErrShutdownTimeout) {
		t.Errorf("second Shutdown() = %v, want the first result", again)
	}
}

// A shutdown issued while a changed module waits for its previous
// instance to stop stays within the drain timeout.
func TestRunner_ShutdownDuringReplacement(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))
	h.cfg.DrainTimeout = 300 * time.Millisecond
	h.cfg.StopTimeout = 5 * time.Second

	stubborn := `trap "" TERM; echo armed; while true; do sleep 0.1; done`
	h.Apply(context.Background(), []module.RawConfig{h.shellModule(t, "svc", stubborn)})
	h.waitRunning(t, "svc")
	waitFor(t, 2*time.Second, "trap armed", func() bool { return h.hasLog("svc", "armed") })

	h.mu.RLock()
	old := h.entries["svc"]
	h.mu.RUnlock()

	h.Apply(context.Background(), []module.RawConfig{h.shellModule(t, "svc", stubborn+" # v2")})
	waitFor(t, 2*time.Second, "graceful stop of the old instance", func() bool {
		sup := old.process()
		return sup != nil && sup.CurrentState().Phase == supervisor.PhaseStoppingGraceful
	})

	start := time.Now()
	_ = h.Shutdown(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %s with a 300ms drain timeout", elapsed)
	}
	if old.active() {
		t.Error("previous instance still running after shutdown")
	}
}

func TestRunner_RunLifecycle(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Run(ctx, []module.RawConfig{h.shellModule(t, "svc", "exec sleep 30")})
	}()

	h.waitRunning(t, "svc")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if st := h.status(t, "svc"); st.Process.IsActive() {
		t.Errorf("svc still %s after Run returned", st.Process.Phase)
	}
}

func TestRunner_RunFatal(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	err := h.Run(context.Background(), nil)
	if !module.IsFatal(err) {
		t.Errorf("Run(nil) error = %v, want a fatal error", err)
	}
}

// An empty module set is valid input: Run supervises nothing until it is
// cancelled.
func TestRunner_RunEmptyModuleSet(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := h.Run(ctx, []module.RawConfig{}); err != nil {
		t.Fatalf("Run(empty) error = %v", err)
	}
	if n := len(h.ListModules()); n != 0 {
		t.Errorf("ListModules() has %d entries", n)
	}
}

// Entries that all fail validation are excluded one by one; the host keeps
// running.
func TestRunner_RunAllModulesInvalid(t *testing.T) {
	h := newTestHost(t, fastPolicy(3))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := h.Run(ctx, []module.RawConfig{{ID: "nocommand"}}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if errs := h.InitErrors(); len(errs) != 1 || errs[0].ModuleID != "nocommand" {
		t.Errorf("InitErrors() = %v", errs)
	}
}

type panickingAdmission struct{}

func (panickingAdmission) Admit(context.Context, *module.Descriptor) error {
	panic("admission exploded")
}

func TestRunner_RunRecoversPanic(t *testing.T) {
	h := newTestHost(t, fastPolicy(3), WithAdmission(panickingAdmission{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.Run(ctx, []module.RawConfig{h.shellModule(t, "svc", "exec sleep 30")})
	if !errors.Is(err, module.ErrInternal) {
		t.Fatalf("Run() error = %v, want INTERNAL", err)
	}
	if !strings.Contains(err.Error(), "admission exploded") {
		t.Errorf("error does not carry the panic value: %v", err)
	}
}

type denyAdmission struct{ id string }

func (d denyAdmission) Admit(_ context.Context, desc *module.Descriptor) error {
	if desc.ID == d.id {
		return errors.New("not allowed here")
	}
	return nil
}

func TestRunner_InitErrors(t *testing.T) {
	h := newTestHost(t, fastPolicy(3), WithAdmission(denyAdmission{id: "denied"}))

	errs := h.Apply(context.Background(), []module.RawConfig{
		h.shellModule(t, "ok", "exec sleep 30"),
		h.shellModule(t, "denied", "exec sleep 30"),
		{ID: "nocommand"},
	})
	if len(errs) != 2 {
		t.Fatalf("init errors = %v, want 2", errs)
	}
	if got := h.InitErrors(); len(got) != 2 {
		t.Errorf("InitErrors() = %v", got)
	}
	codes := map[string]module.ErrorCode{}
	for _, ie := range errs {
		codes[ie.ModuleID] = module.CodeOf(ie.Err)
	}
	if codes["denied"] != module.CodePolicyDenied || codes["nocommand"] != module.CodeConfigValidation {
		t.Errorf("codes = %v", codes)
	}
	if _, ok := h.GetStatus("denied"); ok {
		t.Error("excluded module is registered")
	}
	h.waitRunning(t, "ok")
}
