package recreate

import (
	"time"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/packages"
)

// EnvironmentResult is the outcome of one recreate run. It is not persisted;
// the caller decides what to keep.
type EnvironmentResult struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	State   State  `json:"state"`

	// EnvRoot is the target; AppRoot and InterpreterRoot are its
	// application and environment directories.
	EnvRoot         string `json:"env_root"`
	AppRoot         string `json:"app_root"`
	InterpreterRoot string `json:"interpreter_root"`
	Python          string `json:"python,omitempty"`

	// InstalledPackages is name → version for every pinned package that was
	// installed, or the detected set when validation ran.
	InstalledPackages map[string]string   `json:"installed_packages,omitempty"`
	InstalledPlugins  []string            `json:"installed_plugins,omitempty"`
	PlatformOverrides []string            `json:"platform_overrides,omitempty"`
	Mismatches        []packages.Mismatch `json:"mismatches,omitempty"`

	Warnings []diag.Diagnostic `json:"warnings,omitempty"`
	Errors   []diag.Diagnostic `json:"errors,omitempty"`
	Elapsed  time.Duration     `json:"elapsed"`
}
