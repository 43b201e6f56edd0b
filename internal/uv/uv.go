// Package uv drives the uv tool for interpreter provisioning, environment
// creation and package installs.
package uv

import (
	"context"
	"fmt"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/manifest"
)

// Tool runs uv through a command.Runner.
type Tool struct {
	path   string
	runner command.Runner
	env    []string
}

// Options configures a Tool.
type Options struct {
	// Path is the uv executable; empty means "uv" on the search path.
	Path string
	// CacheDir and PythonDir point uv at the shared cache.
	CacheDir  string
	PythonDir string
	// Env is exported to every uv invocation.
	Env []string
}

// New returns a Tool.
func New(runner command.Runner, opts Options) *Tool {
	path := opts.Path
	if path == "" {
		path = "uv"
	}
	var env []string
	if opts.CacheDir != "" {
		env = append(env, "UV_CACHE_DIR="+opts.CacheDir)
	}
	if opts.PythonDir != "" {
		env = append(env, "UV_PYTHON_INSTALL_DIR="+opts.PythonDir)
	}
	env = append(env, opts.Env...)
	return &Tool{path: path, runner: runner, env: env}
}

func (t *Tool) run(ctx context.Context, args ...string) ([]byte, error) {
	return t.runner.Run(ctx, command.Cmd{Name: t.path, Args: args, Env: t.env})
}

// InstallPython provisions exactly version. uv never substitutes a nearby
// version for an exact request.
func (t *Tool) InstallPython(ctx context.Context, version string) error {
	if _, err := t.run(ctx, "python", "install", version); err != nil {
		return fmt.Errorf("provisioning python %s: %w", version, err)
	}
	return nil
}

// CreateVenv creates a virtual environment at dir running version.
func (t *Tool) CreateVenv(ctx context.Context, version, dir string) error {
	if _, err := t.run(ctx, "venv", "--python", version, "--seed", dir); err != nil {
		return fmt.Errorf("creating environment %s: %w", dir, err)
	}
	return nil
}

// Install describes one package install call.
type Install struct {
	// Requirements are requirement specifiers: name==version,
	// git+url@ref#subdirectory=..., or local paths.
	Requirements []string
	// Editable paths installed in development mode.
	Editable []string
	// RequirementsFile installs from a requirements file.
	RequirementsFile string
	// Constraints pins versions the install must not move.
	Constraints    string
	IndexURL       string
	ExtraIndexURLs []string
}

// PipInstall installs into the environment of python.
func (t *Tool) PipInstall(ctx context.Context, python string, in Install) error {
	args := []string{"pip", "install", "--python", python}
	if in.IndexURL != "" {
		args = append(args, "--index-url", in.IndexURL)
	}
	for _, u := range in.ExtraIndexURLs {
		args = append(args, "--extra-index-url", u)
	}
	if in.Constraints != "" {
		args = append(args, "-c", in.Constraints)
	}
	if in.RequirementsFile != "" {
		args = append(args, "-r", in.RequirementsFile)
	}
	for _, e := range in.Editable {
		args = append(args, "-e", e)
	}
	args = append(args, in.Requirements...)
	if _, err := t.run(ctx, args...); err != nil {
		return fmt.Errorf("uv pip install: %w", err)
	}
	return nil
}

// GitRequirement renders a vcs package as a requirement specifier.
func GitRequirement(r manifest.GitRequirement) string {
	spec := "git+" + r.URL
	if r.Ref != "" {
		spec += "@" + r.Ref
	}
	if r.Subdirectory != "" {
		spec += "#subdirectory=" + r.Subdirectory
	}
	if r.Name != "" {
		spec = r.Name + " @ " + spec
	}
	return spec
}
