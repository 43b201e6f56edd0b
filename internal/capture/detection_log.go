package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/system"
)

// DetectionLog is the unbounded companion of a manifest: everything
// detection found, including what the manifest leaves out. Recreate never
// reads it.
type DetectionLog struct {
	RunID        string              `json:"run_id"`
	CapturedAt   time.Time           `json:"captured_at"`
	Generator    string              `json:"generator,omitempty"`
	Installation string              `json:"installation"`
	SystemInfo   manifest.SystemInfo `json:"system_info"`
	System       *system.Report      `json:"system,omitempty"`
	Packages     *packages.Result    `json:"packages,omitempty"`
	Nodes        []NodeResult        `json:"nodes"`
	// UnresolvedNodes were left out of the manifest.
	UnresolvedNodes []string          `json:"unresolved_nodes,omitempty"`
	Validation      ValidationReport  `json:"validation"`
	ManifestSize    int               `json:"manifest_size,omitempty"`
	Warnings        []diag.Diagnostic `json:"warnings,omitempty"`
	Errors          []diag.Diagnostic `json:"errors,omitempty"`
}

// ValidationReport records how plugin validation went.
type ValidationReport struct {
	Enabled         bool   `json:"enabled"`
	RegistryCircuit string `json:"registry_circuit,omitempty"`
	HostCircuit     string `json:"host_circuit,omitempty"`
	Unreachable     int    `json:"unreachable_nodes,omitempty"`
}

// Write stores the log as indented JSON.
func (l *DetectionLog) Write(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding detection log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing detection log: %w", err)
	}
	return nil
}
