// Package recreate builds a fresh installation from a manifest.
package recreate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/registry"
	"github.com/comfydock/comfydock/internal/system"
	"github.com/comfydock/comfydock/internal/uv"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory names inside the target.
const (
	AppDir    = "ComfyUI"
	EnvDir    = ".venv"
	PluginDir = "custom_nodes"
)

// Fetcher downloads into the shared cache. *cache.Cache implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url, sha string) (string, error)
}

// NodeInstaller resolves managed nodes. *registry.RegistryValidator
// implements it.
type NodeInstaller interface {
	Install(ctx context.Context, id, version string) (*registry.NodeVersion, error)
}

// Config wires a Recreator.
type Config struct {
	Runner   command.Runner
	Git      git.Operations
	Cache    Fetcher
	Registry NodeInstaller
	// Packages re-detects the new environment when validation is asked for.
	Packages *packages.Detector
	UV       uv.Options
	// ApplicationRepo is cloned into the application root; empty skips it.
	ApplicationRepo string
	PluginWorkers   int
	// PlatformKeys select platform overrides; nil means the running platform.
	PlatformKeys []string
	Logger       *zap.Logger
}

// Options configures one run.
type Options struct {
	Target       string
	ManifestPath string
	// Overwrite replaces a non-empty target instead of refusing it.
	Overwrite bool
	// Validate re-detects packages afterwards and reports mismatches.
	Validate bool
}

// Recreator runs the recreate state machine.
type Recreator struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New builds a Recreator.
func New(cfg Config) *Recreator {
	if cfg.PluginWorkers < 1 {
		cfg.PluginWorkers = 1
	}
	if cfg.PlatformKeys == nil {
		cfg.PlatformKeys = manifest.CurrentPlatformKeys()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recreator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// run is the state of one Recreate call.
type run struct {
	*Recreator
	m       *manifest.Manifest
	opts    Options
	res     *EnvironmentResult
	machine *machine

	deps    manifest.Dependencies
	env     []string
	tool    *uv.Tool
	indexes []string
	// constraints holds the toolkit pins once the toolkit is installed.
	constraints string

	mu sync.Mutex
}

// Recreate builds opts.Target from m. The result is always returned; err is
// non-nil exactly when a fatal diagnostic ended the run, in which case the
// result is unsuccessful and names the failure.
func (r *Recreator) Recreate(ctx context.Context, m *manifest.Manifest, opts Options) (*EnvironmentResult, error) {
	start := r.now()
	target, err := filepath.Abs(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("resolving target path: %w", err)
	}
	runID := r.newID()
	ru := &run{
		Recreator: r,
		m:         m,
		opts:      opts,
		res: &EnvironmentResult{
			RunID:           runID,
			EnvRoot:         target,
			AppRoot:         filepath.Join(target, AppDir),
			InterpreterRoot: filepath.Join(target, EnvDir),
		},
		machine: newMachine(runID, opts.ManifestPath, r.now, r.logger),
	}

	err = ru.execute(ctx)
	res := ru.res
	if err != nil {
		ru.machine.fail(err)
		res.Errors = append(res.Errors, diag.FromError(err))
		r.logger.Error("recreate failed", zap.String("run_id", runID), zap.Error(err))
	}
	res.Success = err == nil
	res.State = ru.machine.state
	res.Elapsed = r.now().Sub(start)
	diag.SortDiagnostics(res.Warnings)
	return res, err
}

func (r *run) execute(ctx context.Context) error {
	if err := manifest.Validate(r.m); err != nil {
		return err
	}
	resolved := r.m.Resolve(r.cfg.PlatformKeys)
	r.deps = resolved.Dependencies
	r.env = resolved.EnvList()
	r.res.PlatformOverrides = resolved.Applied
	r.indexes = append([]string(nil), r.deps.ExtraIndexURLs...)

	uvOpts := r.cfg.UV
	uvOpts.Env = append(append([]string(nil), uvOpts.Env...), r.env...)
	r.tool = uv.New(r.cfg.Runner, uvOpts)

	steps := []struct {
		to State
		fn func(context.Context) error
	}{
		{StateStructureCreated, r.createStructure},
		{StateInterpreterReady, r.provisionInterpreter},
		{StateToolkitInstalled, r.installToolkit},
		{StatePackagesInstalled, r.installPackages},
		{StatePluginsInstalled, r.installPlugins},
		{StateValidated, r.validate},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return err
		}
		if err := r.machine.advance(step.to); err != nil {
			return err
		}
	}
	return r.machine.advance(StateDone)
}

// createStructure refuses a non-empty target unless overwriting, then lays
// out the application and environment roots and fetches the application.
func (r *run) createStructure(ctx context.Context) error {
	target := r.res.EnvRoot
	empty, err := isEmptyDir(target)
	if err != nil {
		return fmt.Errorf("inspecting target: %w", err)
	}
	if !empty {
		if !r.opts.Overwrite {
			return diag.New(diag.TargetNotEmpty, target, "target exists and is not empty; nothing was changed (use --overwrite to replace it)")
		}
		r.logger.Warn("replacing non-empty target", zap.String("target", target))
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("clearing target: %w", err)
		}
	}

	if err := os.MkdirAll(r.res.AppRoot, 0755); err != nil {
		return fmt.Errorf("creating application root: %w", err)
	}
	if err := r.machine.persistTo(target); err != nil {
		r.logger.Warn("could not write recreate marker", zap.Error(err))
	}

	if repo := r.cfg.ApplicationRepo; repo != "" && r.cfg.Git != nil {
		version := r.m.SystemInfo.ComfyUIVersion
		if err := r.cfg.Git.Clone(ctx, repo, r.res.AppRoot, git.CloneOptions{Ref: version, Shallow: true}); err != nil {
			return diag.Wrap(diag.ApplicationFetchFailed, version, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(r.res.AppRoot, PluginDir), 0755); err != nil {
		return fmt.Errorf("creating plugin root: %w", err)
	}
	return nil
}

// provisionInterpreter pins the exact interpreter version; there is no
// fallback to a nearby version.
func (r *run) provisionInterpreter(ctx context.Context) error {
	version := r.m.SystemInfo.PythonVersion
	if err := r.tool.InstallPython(ctx, version); err != nil {
		return diag.Wrap(diag.InterpreterUnavailable, version, err)
	}
	if err := r.tool.CreateVenv(ctx, version, r.res.InterpreterRoot); err != nil {
		return diag.Wrap(diag.InterpreterUnavailable, version, err)
	}
	r.res.Python = system.InterpreterPath(r.res.InterpreterRoot)
	return nil
}

// installToolkit installs the toolkit packages against their own index
// before anything else can resolve them from the default one. Its pins are
// then written as a constraints file so later installs cannot replace them
// with a build from another index.
func (r *run) installToolkit(ctx context.Context) error {
	pt := r.deps.PyTorch
	if pt == nil {
		return nil
	}
	pins := manifest.SortedPackages(pt.Packages)
	err := r.tool.PipInstall(ctx, r.res.Python, uv.Install{
		IndexURL:     pt.IndexURL,
		Requirements: pins,
	})
	if err != nil {
		return diag.Wrap(diag.ToolkitInstallFailed, "pytorch", err)
	}
	r.recordPackages(pt.Packages)

	path := filepath.Join(r.res.EnvRoot, MarkerDir, ConstraintsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating constraints directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(pins, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("writing toolkit constraints: %w", err)
	}
	r.constraints = path
	return nil
}

// installPackages installs ordinary, then vcs, then editable and local
// packages. Each group is load-bearing, so any failure is fatal.
func (r *run) installPackages(ctx context.Context) error {
	d := r.deps
	if len(d.Packages) > 0 {
		err := r.tool.PipInstall(ctx, r.res.Python, uv.Install{
			Requirements:   manifest.SortedPackages(d.Packages),
			Constraints:    r.constraints,
			ExtraIndexURLs: r.indexes,
		})
		if err != nil {
			return diag.Wrap(diag.PackageInstallFailed, "packages", err)
		}
		r.recordPackages(d.Packages)
	}

	if len(d.GitRequirements) > 0 {
		reqs := make([]string, 0, len(d.GitRequirements))
		for _, g := range d.GitRequirements {
			reqs = append(reqs, uv.GitRequirement(g))
		}
		if err := r.tool.PipInstall(ctx, r.res.Python, uv.Install{
			Requirements:   reqs,
			Constraints:    r.constraints,
			ExtraIndexURLs: r.indexes,
		}); err != nil {
			return diag.Wrap(diag.PackageInstallFailed, "git_requirements", err)
		}
	}

	if len(d.EditableInstalls) == 0 && len(d.LocalPackages) == 0 {
		return nil
	}
	var local []string
	for _, p := range d.LocalPackages {
		if err := verifyDigest(p); err != nil {
			return diag.Wrap(diag.PackageInstallFailed, p.Path, err)
		}
		local = append(local, p.Path)
		r.warn(diag.LocalPathHazard, p.Path, "local package file installed from this machine's path")
	}
	for _, e := range d.EditableInstalls {
		r.warn(diag.LocalPathHazard, e, "editable install from this machine's path")
	}
	err := r.tool.PipInstall(ctx, r.res.Python, uv.Install{
		Editable:       d.EditableInstalls,
		Requirements:   local,
		Constraints:    r.constraints,
		ExtraIndexURLs: r.indexes,
	})
	if err != nil {
		return diag.Wrap(diag.PackageInstallFailed, "editable_installs", err)
	}
	return nil
}

// validate optionally re-detects the environment. Mismatches are warnings:
// transitive versions may legitimately re-resolve.
func (r *run) validate(ctx context.Context) error {
	if !r.opts.Validate || r.cfg.Packages == nil {
		return nil
	}
	detected, err := r.cfg.Packages.Detect(ctx, r.res.Python)
	if err != nil {
		r.warn(diag.PackageMismatch, "environment", "could not list installed packages: %v", err)
		return nil
	}
	r.res.InstalledPackages = detected.Versions()
	r.res.Mismatches = packages.Compare(r.deps, r.res.InstalledPackages)
	for _, mm := range r.res.Mismatches {
		r.warn(diag.PackageMismatch, mm.Name, "%s", mm.String())
	}
	return nil
}

func (r *run) recordPackages(pkgs map[string]string) {
	if r.res.InstalledPackages == nil {
		r.res.InstalledPackages = map[string]string{}
	}
	for name, version := range pkgs {
		r.res.InstalledPackages[name] = version
	}
}

// warn records a non-fatal diagnostic. Plugin workers call it concurrently.
func (r *run) warn(kind diag.Kind, subject, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Warnings = append(r.res.Warnings, diag.Diagnostic{Kind: kind, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

func (r *run) warnErr(err error) {
	d := diag.FromError(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Warnings = append(r.res.Warnings, d)
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil && !fi.IsDir() {
		return false, nil
	}
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

func verifyDigest(p manifest.LocalPackage) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if p.SHA256 == "" {
		return nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != p.SHA256 {
		return fmt.Errorf("sha256 %s does not match recorded %s", got, p.SHA256)
	}
	return nil
}
