package supervisor

import (
	"time"
)

const (
	defaultMaxAttempts    = 5
	defaultCrashWindow    = 2 * time.Minute
	defaultBackoffInitial = 1 * time.Second
	defaultBackoffMax     = 30 * time.Second
)

// RestartPolicy controls how a crashed process is restarted.
type RestartPolicy struct {
	// MaxAttempts is the number of crashes within CrashWindow after which
	// the supervisor gives up.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`

	// CrashWindow is the sliding window crashes are counted in.
	CrashWindow time.Duration `yaml:"crash_window" json:"crash_window" validate:"gte=0"`

	BackoffInitial time.Duration `yaml:"backoff_initial" json:"backoff_initial" validate:"gte=0"`
	BackoffMax     time.Duration `yaml:"backoff_max" json:"backoff_max" validate:"gte=0"`
}

// DefaultRestartPolicy returns the policy used when none is configured.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:    defaultMaxAttempts,
		CrashWindow:    defaultCrashWindow,
		BackoffInitial: defaultBackoffInitial,
		BackoffMax:     defaultBackoffMax,
	}
}

// WithDefaults fills zero fields from DefaultRestartPolicy.
func (p RestartPolicy) WithDefaults() RestartPolicy {
	d := DefaultRestartPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.CrashWindow <= 0 {
		p.CrashWindow = d.CrashWindow
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = d.BackoffInitial
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	if p.BackoffMax < p.BackoffInitial {
		p.BackoffMax = p.BackoffInitial
	}
	return p
}

// Backoff returns the delay before restart attempt n (1-based):
// BackoffInitial * 2^(n-1), capped at BackoffMax.
func (p RestartPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := p.BackoffInitial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.BackoffMax || backoff <= 0 {
			return p.BackoffMax
		}
	}
	if backoff > p.BackoffMax {
		return p.BackoffMax
	}
	return backoff
}

// crashWindow records crash times and counts those inside the window.
type crashWindow struct {
	window time.Duration
	times  []time.Time
}

// record adds a crash at t and returns the number of crashes within the
// window ending at t.
func (w *crashWindow) record(t time.Time) int {
	cutoff := t.Add(-w.window)
	kept := w.times[:0]
	for _, c := range w.times {
		if c.After(cutoff) {
			kept = append(kept, c)
		}
	}
	w.times = append(kept, t)
	return len(w.times)
}
