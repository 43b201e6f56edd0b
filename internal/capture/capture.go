// Package capture turns a running installation into a manifest, a detection
// log and a plain package list.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/plugins"
	"github.com/comfydock/comfydock/internal/system"
	"github.com/comfydock/comfydock/internal/uv"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Output file names inside the output directory.
const (
	ManifestFile     = "manifest.json"
	DetectionLogFile = "detection_log.json"
	RequirementsFile = "requirements.txt"
)

// PluginDir is the plugin root relative to the installation.
const PluginDir = "custom_nodes"

// Options configures one capture run.
type Options struct {
	// Installation is the application root.
	Installation string
	// Python is an explicit interpreter; empty means auto-locate.
	Python string
	// Validate checks plugins against the registry and source host.
	Validate  bool
	OutputDir string
	// Overwrite replaces an existing manifest file with the new one.
	Overwrite bool
	// PlatformOverrides are recorded verbatim.
	PlatformOverrides map[string]manifest.PlatformOverride
	Generator         string
}

// Result is a finished capture.
type Result struct {
	Manifest         *manifest.Manifest
	Log              *DetectionLog
	ManifestPath     string
	LogPath          string
	RequirementsPath string
	Size             int
}

// Capturer runs the detectors in order and builds the outputs.
type Capturer struct {
	system   *system.Detector
	packages *packages.Detector
	scanner  *plugins.Scanner
	resolver *Resolver
	logger   *zap.Logger

	// Optional breaker reporting, set by the caller.
	RegistryCircuit func() string
	HostCircuit     func() string

	now   func() time.Time
	newID func() string
}

// New builds a Capturer.
func New(sys *system.Detector, pkgs *packages.Detector, scanner *plugins.Scanner, resolver *Resolver, logger *zap.Logger) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{
		system:   sys,
		packages: pkgs,
		scanner:  scanner,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Run captures opts.Installation. Fatal failures (unusable interpreter,
// naming collision, oversized manifest) return a *diag.Error; the detection
// log is still written when detection got far enough to have one.
func (c *Capturer) Run(ctx context.Context, opts Options) (*Result, error) {
	root, err := filepath.Abs(opts.Installation)
	if err != nil {
		return nil, fmt.Errorf("resolving installation path: %w", err)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("installation %s is not a directory", root)
	}
	now := c.now().UTC()
	res := &Result{
		ManifestPath:     filepath.Join(opts.OutputDir, ManifestFile),
		LogPath:          filepath.Join(opts.OutputDir, DetectionLogFile),
		RequirementsPath: filepath.Join(opts.OutputDir, RequirementsFile),
	}
	if !opts.Overwrite {
		if _, err := os.Stat(res.ManifestPath); err == nil {
			return nil, fmt.Errorf("manifest %s already exists; captures never edit a manifest in place", res.ManifestPath)
		}
	}

	log := &DetectionLog{
		RunID:        c.newID(),
		CapturedAt:   now,
		Generator:    opts.Generator,
		Installation: root,
		Validation:   ValidationReport{Enabled: opts.Validate},
	}
	res.Log = log
	c.logger.Info("capture started", zap.String("run_id", log.RunID), zap.String("installation", root))

	// System and package detection are sequential: one interpreter, one query.
	interp, err := c.system.Locate(ctx, root, opts.Python)
	if err != nil {
		return nil, err
	}
	info, report, err := c.system.Detect(ctx, root, interp)
	if err != nil {
		return nil, err
	}
	log.SystemInfo, log.System = *info, report

	pkgs, err := c.packages.Detect(ctx, interp.Path)
	if err != nil {
		return nil, diag.Wrap(diag.InterpreterUnusable, interp.Path, err)
	}
	log.Packages = pkgs

	scanned, err := c.scanner.Scan(ctx, filepath.Join(root, PluginDir))
	if err != nil {
		return nil, err
	}
	log.Nodes = c.resolver.Resolve(ctx, scanned, opts.Validate)
	for _, nr := range log.Nodes {
		if len(nr.Unreachable) > 0 {
			log.Validation.Unreachable++
		}
	}
	if opts.Validate {
		if c.RegistryCircuit != nil {
			log.Validation.RegistryCircuit = c.RegistryCircuit()
		}
		if c.HostCircuit != nil {
			log.Validation.HostCircuit = c.HostCircuit()
		}
	}

	if err := plugins.CheckCollisions(resolvedNodes(log.Nodes)); err != nil {
		return nil, c.fail(res, err)
	}

	built, err := Build(Inputs{
		Metadata:          &manifest.Metadata{CapturedAt: now.Format(time.RFC3339), Generator: opts.Generator},
		System:            *info,
		Packages:          pkgs,
		Nodes:             log.Nodes,
		PlatformOverrides: opts.PlatformOverrides,
	})
	if err != nil {
		return nil, c.fail(res, err)
	}
	log.UnresolvedNodes = built.Unresolved
	log.Warnings = built.Warnings
	log.ManifestSize = built.Size

	if _, err := manifest.Write(res.ManifestPath, built.Manifest, opts.Overwrite); err != nil {
		return nil, c.fail(res, err)
	}
	if err := log.Write(res.LogPath); err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.RequirementsPath, []byte(Requirements(built.Manifest.Dependencies)), 0644); err != nil {
		return nil, fmt.Errorf("writing package list: %w", err)
	}

	res.Manifest = built.Manifest
	res.Size = built.Size
	c.logger.Info("capture finished",
		zap.String("run_id", log.RunID),
		zap.Int("bytes", built.Size),
		zap.Int("nodes", len(built.Manifest.CustomNodes)),
		zap.Int("warnings", len(log.Warnings)))
	return res, nil
}

// fail records err in the detection log, writes the log, and returns err.
func (c *Capturer) fail(res *Result, err error) error {
	res.Log.Errors = append(res.Log.Errors, diag.FromError(err))
	if werr := res.Log.Write(res.LogPath); werr != nil {
		c.logger.Warn("could not write detection log", zap.Error(werr))
	}
	return err
}

// resolvedNodes projects the resolved method and URL back onto scan nodes for
// the collision check.
func resolvedNodes(results []NodeResult) []plugins.Node {
	out := make([]plugins.Node, 0, len(results))
	for _, nr := range results {
		n := nr.Scan
		if nr.Spec != nil {
			n.Method, n.URL = nr.Spec.InstallMethod, nr.Spec.URL
		}
		out = append(out, n)
	}
	return out
}

// Requirements renders deps as a pip requirements file: the plain package
// list mirror written next to the manifest.
func Requirements(deps *manifest.Dependencies) string {
	if deps == nil {
		return ""
	}
	var b strings.Builder
	for _, u := range deps.ExtraIndexURLs {
		fmt.Fprintf(&b, "--extra-index-url %s\n", u)
	}
	if deps.PyTorch != nil {
		if deps.PyTorch.IndexURL != "" {
			fmt.Fprintf(&b, "--extra-index-url %s\n", deps.PyTorch.IndexURL)
		}
		for _, line := range manifest.SortedPackages(deps.PyTorch.Packages) {
			b.WriteString(line + "\n")
		}
	}
	for _, line := range manifest.SortedPackages(deps.Packages) {
		b.WriteString(line + "\n")
	}
	for _, g := range deps.GitRequirements {
		b.WriteString(uv.GitRequirement(g) + "\n")
	}
	for _, e := range deps.EditableInstalls {
		fmt.Fprintf(&b, "-e %s\n", e)
	}
	for _, l := range deps.LocalPackages {
		b.WriteString(l.Path + "\n")
	}
	return b.String()
}
