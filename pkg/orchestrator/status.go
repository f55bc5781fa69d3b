package orchestrator

import (
	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/supervisor"
)

// ModuleStatus is a snapshot of one module.
type ModuleStatus struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Version string           `json:"version,omitempty"`
	Enabled bool             `json:"enabled"`
	Install install.State    `json:"install"`
	Process supervisor.State `json:"process"`

	// Reason explains why the module is not running.
	Reason string           `json:"reason,omitempty"`
	Code   module.ErrorCode `json:"code,omitempty"`
}

// CommandResult is the immediate answer to a control request. The effect
// of an accepted request is observed through the status surface.
type CommandResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func accepted() CommandResult { return CommandResult{Accepted: true} }

func rejected(reason string) CommandResult {
	return CommandResult{Reason: reason}
}
