package install

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/modrunner/pkg/module"
)

// Status is the install status of one module.
type Status int

const (
	StatusNotInstalled Status = iota
	StatusInstalling
	StatusInstalled
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNotInstalled:
		return "NotInstalled"
	case StatusInstalling:
		return "Installing"
	case StatusInstalled:
		return "Installed"
	case StatusFailed:
		return "InstallFailed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of a module's install state.
type State struct {
	Status Status `json:"status"`

	// Path is the install directory when Status is Installed.
	Path string `json:"path,omitempty"`

	// Version is the installed version when known.
	Version string `json:"version,omitempty"`

	// Progress is the download progress in [0,1] while Installing, or -1
	// when the package size is unknown.
	Progress float64 `json:"progress,omitempty"`

	// Reason and Code describe an InstallFailed state.
	Reason string           `json:"reason,omitempty"`
	Code   module.ErrorCode `json:"code,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`

	Err error `json:"-"`
}

// NotInstalled returns a NotInstalled state.
func NotInstalled() State {
	return State{Status: StatusNotInstalled, UpdatedAt: time.Now()}
}

// Installing returns an Installing state with the given progress.
func Installing(progress float64) State {
	return State{Status: StatusInstalling, Progress: progress, UpdatedAt: time.Now()}
}

// Installed returns an Installed state for path.
func Installed(path, version string) State {
	return State{Status: StatusInstalled, Path: path, Version: version, UpdatedAt: time.Now()}
}

// Failed returns an InstallFailed state for err. Reason and code are taken
// from the first *module.Error in the chain.
func Failed(err error) State {
	st := State{Status: StatusFailed, Err: err, UpdatedAt: time.Now()}
	var me *module.Error
	if errors.As(err, &me) {
		st.Code = me.Code
		st.Reason = me.Reason()
	} else if err != nil {
		st.Reason = err.Error()
	}
	return st
}

// IsInstalled reports whether the module can be started.
func (s State) IsInstalled() bool {
	return s.Status == StatusInstalled
}

// String returns a compact description for logs and status output.
func (s State) String() string {
	switch s.Status {
	case StatusInstalled:
		return fmt.Sprintf("Installed(%s)", s.Path)
	case StatusInstalling:
		if s.Progress >= 0 {
			return fmt.Sprintf("Installing(%.0f%%)", s.Progress*100)
		}
		return "Installing"
	case StatusFailed:
		return fmt.Sprintf("InstallFailed(%s: %s)", s.Code, s.Reason)
	default:
		return s.Status.String()
	}
}
