package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/manifest"
	"go.uber.org/zap"
)

const infoScript = `import json, platform, sys
info = {"python": platform.python_version(), "platform": sys.platform, "machine": platform.machine()}
try:
    import torch
    info["torch"] = torch.__version__
    info["cuda"] = torch.version.cuda
except Exception as exc:
    info["torch_error"] = str(exc)
print(json.dumps(info))`

var versionFileRe = regexp.MustCompile(`__version__\s*=\s*["']([^"']+)["']`)

// Detector implements system detection.
type Detector struct {
	runner   command.Runner
	git      git.Operations
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewDetector builds a Detector. A nil logger disables logging.
func NewDetector(runner command.Runner, g git.Operations, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{runner: runner, git: g, logger: logger, lookPath: command.LookPath}
}

// Facts is the raw interpreter report.
type Facts struct {
	Python     string  `json:"python"`
	Platform   string  `json:"platform"`
	Machine    string  `json:"machine"`
	Torch      string  `json:"torch,omitempty"`
	CUDA       *string `json:"cuda,omitempty"`
	TorchError string  `json:"torch_error,omitempty"`
}

// Report is everything system detection learned, for the detection log.
type Report struct {
	Interpreter    Interpreter `json:"interpreter"`
	Facts          Facts       `json:"facts"`
	AppCommit      string      `json:"app_commit,omitempty"`
	AppTag         string      `json:"app_tag,omitempty"`
	AppBranch      string      `json:"app_branch,omitempty"`
	AppDirty       bool        `json:"app_dirty,omitempty"`
	AppVersionFrom string      `json:"app_version_from"`
}

// Detect reads SystemInfo through interp, which must already be validated.
func (d *Detector) Detect(ctx context.Context, appRoot string, interp *Interpreter) (*manifest.SystemInfo, *Report, error) {
	out, err := d.runner.Run(ctx, command.Cmd{Name: interp.Path, Args: []string{"-c", infoScript}, Dir: appRoot})
	if err != nil {
		return nil, nil, diag.Wrap(diag.InterpreterUnusable, interp.Path, fmt.Errorf("probing interpreter: %w", err))
	}
	var facts Facts
	if err := json.Unmarshal(lastLine(out), &facts); err != nil {
		return nil, nil, diag.Wrap(diag.InterpreterUnusable, interp.Path, fmt.Errorf("parsing interpreter report: %w", err))
	}
	if !manifest.ValidPythonVersion(facts.Python) {
		return nil, nil, diag.Errorf(diag.InterpreterUnusable, interp.Path, "interpreter reported version %q", facts.Python)
	}

	info := &manifest.SystemInfo{
		PythonVersion: facts.Python,
		TorchVersion:  facts.Torch,
		Platform:      facts.Platform,
		Architecture:  facts.Machine,
	}
	if facts.Torch != "" {
		info.CUDAVersion = manifest.CUDANone
		if facts.CUDA != nil && *facts.CUDA != "" {
			info.CUDAVersion = majorMinor(*facts.CUDA)
		}
	}

	report := &Report{Interpreter: *interp, Facts: facts}
	info.ComfyUIVersion = d.applicationVersion(ctx, appRoot, report)
	if info.ComfyUIVersion == "" {
		return nil, nil, diag.New(diag.InterpreterUnusable, appRoot, "cannot determine the application version (no tag, version file or revision)")
	}

	d.logger.Info("system detected",
		zap.String("python", info.PythonVersion),
		zap.String("torch", info.TorchVersion),
		zap.String("cuda", info.CUDAVersion),
		zap.String("app_version", info.ComfyUIVersion))
	return info, report, nil
}

// applicationVersion prefers an exact tag, then the version file, then the
// raw revision.
func (d *Detector) applicationVersion(ctx context.Context, appRoot string, report *Report) string {
	if d.git != nil && d.git.IsRepository(appRoot) {
		repo, err := d.git.Inspect(ctx, appRoot)
		if err != nil {
			d.logger.Warn("cannot inspect application repository", zap.Error(err))
		} else {
			report.AppCommit = repo.Commit
			report.AppTag = repo.Tag
			report.AppBranch = repo.Branch
			report.AppDirty = repo.Dirty
			if repo.Tag != "" {
				report.AppVersionFrom = "tag"
				return repo.Tag
			}
		}
	}
	if data, err := os.ReadFile(filepath.Join(appRoot, "comfyui_version.py")); err == nil {
		if m := versionFileRe.FindSubmatch(data); m != nil {
			report.AppVersionFrom = "version-file"
			return "v" + strings.TrimPrefix(string(m[1]), "v")
		}
	}
	if report.AppCommit != "" {
		report.AppVersionFrom = "commit"
		return report.AppCommit
	}
	return ""
}

// majorMinor trims a toolkit version like 12.1.105 to 12.1.
func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}

// lastLine returns the final non-empty line of out. Interpreters with
// site hooks sometimes print banners before the report.
func lastLine(out []byte) []byte {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return []byte(strings.TrimSpace(lines[len(lines)-1]))
}
