package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/rs/zerolog"
)

const (
	defaultStopTimeout = 10 * time.Second
	defaultLogCapacity = 1000
	logDrainTimeout    = 250 * time.Millisecond
	maxLineSize        = 1024 * 1024
)

// Options configures a Supervisor.
type Options struct {
	Policy      RestartPolicy
	StopTimeout time.Duration // used when Stop is called without a timeout
	LogCapacity int           // lines kept for RecentLogs
	Logger      zerolog.Logger

	// OnStateChange is called from the supervisor goroutine after every
	// state transition. It must not block.
	OnStateChange func(moduleID string, st State)
}

// Supervisor owns the process of one module.
type Supervisor struct {
	desc        *module.Descriptor
	installPath string
	opts        Options
	policy      RestartPolicy
	logger      zerolog.Logger
	logs        *LogBuffer

	mu     sync.RWMutex
	state  State
	stopCh chan stopRequest
	done   chan struct{}
}

type stopRequest struct {
	graceful bool
	timeout  time.Duration
	result   chan error
}

type exitStatus struct {
	code int
	err  error
	at   time.Time
}

type process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	exited    chan exitStatus
}

// New creates a stopped supervisor for desc installed at installPath.
func New(desc *module.Descriptor, installPath string, opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = defaultLogCapacity
	}

	done := make(chan struct{})
	close(done)

	return &Supervisor{
		desc:        desc,
		installPath: installPath,
		opts:        opts,
		policy:      opts.Policy.WithDefaults(),
		logger:      opts.Logger.With().Str("component", "supervisor").Str("module", desc.ID).Logger(),
		logs:        NewLogBuffer(opts.LogCapacity),
		state:       State{Phase: PhaseStopped},
		done:        done,
	}
}

// ID returns the supervised module's id.
func (s *Supervisor) ID() string {
	return s.desc.ID
}

// CurrentState returns a snapshot of the process state.
func (s *Supervisor) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RecentLogs returns up to n of the most recent output lines.
func (s *Supervisor) RecentLogs(n int) []LogEntry {
	return s.logs.Latest(n)
}

// Done returns a channel closed when the supervisor reaches Stopped, either
// after Stop or after giving up on a crash loop.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Start spawns the process and begins supervising it. Spawn failures are
// handled as crashes, so Start only fails when the supervisor is already
// active. Starting a supervisor that gave up on a crash loop resets its
// crash history.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state.IsActive() {
		phase := s.state.Phase
		s.mu.Unlock()
		return fmt.Errorf("module %s is already %s", s.desc.ID, phase)
	}
	st := State{Phase: PhaseStarting}
	s.state = st
	s.stopCh = make(chan stopRequest)
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	s.notify(st)
	go s.run(stopCh, done)
	return nil
}

// Stop stops the process and waits until the supervisor is Stopped. A
// graceful stop sends SIGTERM and escalates to SIGKILL after timeout; the
// escalation is reported as a ShutdownTimeout error. A non-graceful stop
// kills immediately, also when it arrives while a graceful stop is still
// waiting. A pending restart is cancelled. Stopping an inactive supervisor
// is a no-op.
func (s *Supervisor) Stop(graceful bool, timeout time.Duration) error {
	s.mu.RLock()
	active := s.state.IsActive()
	stopCh, done := s.stopCh, s.done
	s.mu.RUnlock()

	if !active {
		return nil
	}
	if timeout <= 0 {
		timeout = s.opts.StopTimeout
	}

	req := stopRequest{graceful: graceful, timeout: timeout, result: make(chan error, 1)}
	select {
	case stopCh <- req:
		return <-req.result
	case <-done:
		return nil
	}
}

func (s *Supervisor) run(stopCh <-chan stopRequest, done chan struct{}) {
	crashes := crashWindow{window: s.policy.CrashWindow}
	restarts := 0

	for {
		var exit exitStatus
		var spawnErr error

		proc, err := s.spawn()
		if err != nil {
			spawnErr = err
			exit = exitStatus{code: -1, err: err, at: time.Now()}
			s.logger.Error().Err(err).Msg("Failed to start module process")
		} else {
			s.setState(State{Phase: PhaseRunning, PID: proc.pid, StartedAt: proc.startedAt, Restarts: restarts})
			s.logger.Info().Int("pid", proc.pid).Str("command", proc.cmd.String()).Msg("Module process started")

			select {
			case exit = <-proc.exited:
			case req := <-stopCh:
				escalations, err := s.shutdown(proc, req, stopCh, restarts)
				s.finish(done, State{Phase: PhaseStopped, Restarts: restarts})
				req.result <- err
				for _, esc := range escalations {
					esc.result <- nil
				}
				return
			}
		}

		crashed := State{Phase: PhaseCrashed, ExitCode: exit.code, ExitedAt: exit.at, Restarts: restarts}
		if spawnErr != nil {
			crashed.Reason = module.NewProcessError(module.CodeProcessSpawn, s.desc.ID, "failed to start process", spawnErr).Reason()
			crashed.Code = module.CodeProcessSpawn
		}
		s.setState(crashed)

		n := crashes.record(exit.at)
		if n >= s.policy.MaxAttempts {
			reason := fmt.Sprintf("process crashed %d times within %s (last exit code %d)", n, s.policy.CrashWindow, exit.code)
			if spawnErr != nil {
				reason = fmt.Sprintf("%s: %v", reason, spawnErr)
			}
			s.logger.Error().Int("crashes", n).Int("exit_code", exit.code).Msg("Crash loop detected, giving up")
			s.finish(done, State{
				Phase:    PhaseStopped,
				ExitCode: exit.code,
				ExitedAt: exit.at,
				Terminal: true,
				Reason:   reason,
				Code:     module.CodeCrashLoopExceeded,
				Restarts: restarts,
			})
			return
		}

		delay := s.policy.Backoff(n)
		s.logger.Warn().
			Int("exit_code", exit.code).
			Int("attempt", n).
			Dur("backoff", delay).
			Msg("module process exited unexpectedly, restarting")
		s.setState(State{
			Phase:         PhaseRestarting,
			ExitCode:      exit.code,
			ExitedAt:      exit.at,
			Attempt:       n,
			Backoff:       delay,
			NextAttemptAt: time.Now().Add(delay),
			Restarts:      restarts,
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case req := <-stopCh:
			timer.Stop()
			s.finish(done, State{Phase: PhaseStopped, ExitCode: exit.code, ExitedAt: exit.at, Restarts: restarts})
			req.result <- nil
			return
		}

		restarts++
		s.setState(State{Phase: PhaseStarting, Restarts: restarts})
	}
}

// shutdown stops proc for req. A non-graceful request arriving on stopCh
// while a graceful stop waits escalates it to SIGKILL at once. Requests
// taken from stopCh are returned for the caller to answer once Stopped.
func (s *Supervisor) shutdown(proc *process, req stopRequest, stopCh <-chan stopRequest, restarts int) ([]stopRequest, error) {
	var escalated []stopRequest
	if req.graceful {
		s.setState(State{Phase: PhaseStoppingGraceful, PID: proc.pid, StartedAt: proc.startedAt, Restarts: restarts})
		if err := terminate(proc.cmd.Process); err != nil {
			s.logger.Warn().Err(err).Int("pid", proc.pid).Msg("Failed to send SIGTERM")
		}

		timer := time.NewTimer(req.timeout)
		defer timer.Stop()
	wait:
		for {
			select {
			case exit := <-proc.exited:
				s.logger.Info().Int("pid", proc.pid).Int("exit_code", exit.code).Msg("Module process stopped")
				return escalated, nil
			case <-timer.C:
				s.logger.Warn().Int("pid", proc.pid).Dur("timeout", req.timeout).Msg("Module process did not exit gracefully, sending SIGKILL")
				break wait
			case next := <-stopCh:
				escalated = append(escalated, next)
				if !next.graceful {
					s.logger.Warn().Int("pid", proc.pid).Msg("Forced stop requested during graceful stop, sending SIGKILL")
					break wait
				}
			}
		}
	}

	s.setState(State{Phase: PhaseStoppingForced, PID: proc.pid, StartedAt: proc.startedAt, Restarts: restarts})
	if err := kill(proc.cmd.Process); err != nil {
		s.logger.Error().Err(err).Int("pid", proc.pid).Msg("Failed to send SIGKILL")
	}
	<-proc.exited
	s.logger.Info().Int("pid", proc.pid).Msg("Module process killed")

	if req.graceful {
		return escalated, module.NewProcessError(module.CodeShutdownTimeout, s.desc.ID,
			fmt.Sprintf("process did not exit within %s and was killed", req.timeout), nil).WithOperation("stop")
	}
	return escalated, nil
}

func (s *Supervisor) spawn() (*process, error) {
	cmd := s.command()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		exited:    make(chan exitStatus, 1),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.forward(stdoutR, StreamStdout, p.pid, &readers)
	go s.forward(stderrR, StreamStderr, p.pid, &readers)

	go func() {
		err := cmd.Wait()
		at := time.Now()

		drained := make(chan struct{})
		go func() {
			readers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(logDrainTimeout):
		}

		p.exited <- exitStatus{code: exitCode(cmd, err), err: err, at: at}
	}()

	return p, nil
}

// forward copies lines from r to the log buffer and the host logger.
func (s *Supervisor) forward(r io.ReadCloser, stream string, pid int, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		s.logs.Add(stream, line, pid)

		ev := s.logger.Info()
		if stream == StreamStderr {
			ev = s.logger.Warn()
		}
		ev.Str("stream", stream).Int("pid", pid).Msg(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Error().Err(err).Str("stream", stream).Int("pid", pid).Msg("Error reading module output")
	}
}

// command builds the process command. ${MODULE_ID}, ${MODULE_PATH} and
// ${MODULES_ROOT} are expanded in the command, args, env and working dir.
func (s *Supervisor) command() *exec.Cmd {
	expand := strings.NewReplacer(
		"${MODULE_ID}", s.desc.ID,
		"${MODULE_PATH}", s.installPath,
		"${MODULES_ROOT}", s.desc.ModulesRoot,
	).Replace

	name := expand(s.desc.Command)
	if !filepath.IsAbs(name) && s.installPath != "" &&
		(strings.ContainsRune(filepath.ToSlash(name), '/') || (s.desc.EntryPoint != "" && name == s.desc.EntryPoint)) {
		name = filepath.Join(s.installPath, name)
	}

	args := make([]string, len(s.desc.Args))
	for i, a := range s.desc.Args {
		args[i] = expand(a)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = s.workingDir(expand)
	cmd.Env = s.environ(expand)
	return cmd
}

func (s *Supervisor) workingDir(expand func(string) string) string {
	dir := expand(s.desc.WorkingDir)
	switch {
	case dir == "":
		return s.installPath
	case filepath.IsAbs(dir) || s.installPath == "":
		return dir
	default:
		return filepath.Join(s.installPath, dir)
	}
}

// environ returns the host environment followed by the module variables.
// Later entries win, so descriptor values override host ones.
func (s *Supervisor) environ(expand func(string) string) []string {
	env := os.Environ()
	env = append(env,
		"MODULE_ID="+s.desc.ID,
		"MODULE_PATH="+s.installPath,
		"MODULES_ROOT="+s.desc.ModulesRoot,
	)

	keys := make([]string, 0, len(s.desc.Env))
	for k := range s.desc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+expand(s.desc.Env[k]))
	}
	return env
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st)
}

func (s *Supervisor) finish(done chan struct{}, st State) {
	s.setState(st)
	close(done)
}

func (s *Supervisor) notify(st State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.desc.ID, st)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
