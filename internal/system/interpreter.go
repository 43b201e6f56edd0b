// Package system locates the interpreter that runs an installation and reads
// the interpreter, tensor library and application versions from it.
package system

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/diag"
	"go.uber.org/zap"
)

// Source records how an interpreter was chosen.
type Source string

const (
	SourceExplicit   Source = "explicit"
	SourceMarker     Source = "environment-marker"
	SourceSearchPath Source = "search-path"
)

// Interpreter is a validated interpreter for one installation.
type Interpreter struct {
	Path   string `json:"path"`
	Source Source `json:"source"`
	// EnvRoot is the virtual environment directory, when the interpreter
	// lives in one.
	EnvRoot string `json:"env_root,omitempty"`
}

// importCheck must succeed for an interpreter to be accepted: it proves the
// interpreter can load the application from its root.
const importCheck = "import sys; sys.path.insert(0, '.'); import comfy, folder_paths"

// markerDirs are the environment directories looked for next to the
// application root, relative to it.
var markerDirs = []string{".venv", "venv", "../.venv", "../venv", "../python_embeded"}

// searchNames are tried on the search path, in order.
var searchNames = []string{"python3", "python"}

// Locate picks the interpreter for appRoot.
//
// An explicit interpreter must pass the import check or Locate fails; there is
// no fallback. Otherwise environment markers next to appRoot are tried, then
// the search path, and the first interpreter passing the check wins.
func (d *Detector) Locate(ctx context.Context, appRoot, explicit string) (*Interpreter, error) {
	if explicit != "" {
		if err := d.validate(ctx, appRoot, explicit); err != nil {
			return nil, diag.Wrap(diag.InterpreterUnusable, explicit, err)
		}
		return &Interpreter{Path: explicit, Source: SourceExplicit, EnvRoot: envRootOf(explicit)}, nil
	}

	for _, rel := range markerDirs {
		envRoot := filepath.Clean(filepath.Join(appRoot, rel))
		python, ok := markerInterpreter(envRoot)
		if !ok {
			continue
		}
		if err := d.validate(ctx, appRoot, python); err != nil {
			d.logger.Debug("marker interpreter rejected", zap.String("path", python), zap.Error(err))
			continue
		}
		return &Interpreter{Path: python, Source: SourceMarker, EnvRoot: envRoot}, nil
	}

	for _, name := range searchNames {
		python, err := d.lookPath(name)
		if err != nil {
			continue
		}
		if err := d.validate(ctx, appRoot, python); err != nil {
			d.logger.Debug("search path interpreter rejected", zap.String("path", python), zap.Error(err))
			continue
		}
		return &Interpreter{Path: python, Source: SourceSearchPath}, nil
	}

	return nil, diag.New(diag.InterpreterUnusable, appRoot,
		"no interpreter could import the application; pass --python explicitly")
}

func (d *Detector) validate(ctx context.Context, appRoot, python string) error {
	_, err := d.runner.Run(ctx, command.Cmd{Name: python, Args: []string{"-c", importCheck}, Dir: appRoot})
	return err
}

// markerInterpreter returns the interpreter inside envRoot when envRoot holds
// an environment marker (pyvenv.cfg) or is an embedded distribution.
func markerInterpreter(envRoot string) (string, bool) {
	_, cfgErr := os.Stat(filepath.Join(envRoot, "pyvenv.cfg"))
	for _, rel := range interpreterPaths() {
		p := filepath.Join(envRoot, rel)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if cfgErr == nil || filepath.Base(envRoot) == "python_embeded" {
			return p, true
		}
	}
	return "", false
}

// InterpreterPath returns the interpreter inside a virtual environment.
func InterpreterPath(envRoot string) string {
	return filepath.Join(envRoot, interpreterPaths()[0])
}

func interpreterPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{filepath.Join("Scripts", "python.exe"), "python.exe"}
	}
	return []string{filepath.Join("bin", "python"), filepath.Join("bin", "python3")}
}

// envRootOf returns the environment directory of an interpreter inside one.
func envRootOf(python string) string {
	root := filepath.Dir(filepath.Dir(python))
	if _, err := os.Stat(filepath.Join(root, "pyvenv.cfg")); err == nil {
		return root
	}
	return ""
}
