// Package supervisor runs one module process and keeps it running.
//
// A Supervisor spawns the module's command in its install directory,
// forwards stdout and stderr to the host logger, and restarts the process
// with exponential backoff when it exits unexpectedly. Crashes are counted
// in a sliding window; once the count reaches the restart policy's
// MaxAttempts the supervisor stops for good and reports CrashLoopExceeded.
//
// State machine:
//
//	Stopped -> Starting -> Running
//	Running -> Crashed -> Restarting -> Starting
//	Crashed -> Stopped (terminal, CrashLoopExceeded)
//	any -> StoppingGraceful -> Stopped
//	StoppingGraceful -> StoppingForced -> Stopped
//
// Each Supervisor owns its State. Other components read it with
// CurrentState or subscribe through Options.OnStateChange.
package supervisor
