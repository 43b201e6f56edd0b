package capture

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/packages"
	"github.com/comfydock/comfydock/internal/plugins"
	"github.com/comfydock/comfydock/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type dirGit struct {
	repos map[string]*git.RepoInfo
}

func (g *dirGit) IsRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func (g *dirGit) Inspect(_ context.Context, dir string) (*git.RepoInfo, error) {
	if info, ok := g.repos[filepath.Base(dir)]; ok {
		return info, nil
	}
	return nil, errors.New("fatal: not a git repository")
}

func (g *dirGit) Clone(context.Context, string, string, git.CloneOptions) error { return nil }

const (
	infoOut  = `{"python":"3.11.7","platform":"linux","machine":"x86_64","torch":"2.1.0+cu121","cuda":"12.1.105"}`
	listOut  = `[{"name":"numpy","version":"1.24.3"},{"name":"torch","version":"2.1.0+cu121"},{"name":"tqdm","version":"4.66.1"}]`
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newInstallation(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "comfyui_version.py"), `__version__ = "0.3.47"`+"\n")
	writeFile(t, filepath.Join(root, PluginDir, "ComfyUI-Impact-Pack", ".git", "HEAD"), "ref: refs/heads/main\n")
	writeFile(t, filepath.Join(root, PluginDir, "ComfyUI-Impact-Pack", "install.py"), "")
	writeFile(t, filepath.Join(root, PluginDir, "my-dev-node", plugins.LocalMarker), "/home/dev/my-dev-node\n")
	return root
}

func newCapturer(t *testing.T, rec *command.Recorder) *Capturer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	g := &dirGit{repos: map[string]*git.RepoInfo{
		"ComfyUI-Impact-Pack": {RemoteURL: "https://github.com/ltdrdata/ComfyUI-Impact-Pack", Commit: "0123456789abcdef0123456789abcdef01234567", Tag: "v8.8.1"},
	}}
	c := New(
		system.NewDetector(rec, g, logger),
		packages.NewDetector(rec, "uv", logger),
		plugins.NewScanner(g, logger),
		NewResolver(nil, nil, 2, logger),
		logger,
	)
	c.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	c.newID = func() string { return "run-1" }
	return c
}

func captureRecorder() *command.Recorder {
	return command.NewRecorder().
		On("platform.python_version()", infoOut).
		On("pip list", listOut).
		On("pip freeze", "numpy==1.24.3\ntorch==2.1.0+cu121\ntqdm==4.66.1\n")
}

func TestCaptureRun(t *testing.T) {
	root := newInstallation(t)
	out := t.TempDir()
	c := newCapturer(t, captureRecorder())

	res, err := c.Run(context.Background(), Options{
		Installation: root,
		Python:       "/env/bin/python",
		OutputDir:    out,
		Generator:    "comfydock test",
	})
	require.NoError(t, err)

	m, err := manifest.Load(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, manifest.SystemInfo{
		PythonVersion:  "3.11.7",
		CUDAVersion:    "12.1",
		TorchVersion:   "2.1.0+cu121",
		ComfyUIVersion: "v0.3.47",
		Platform:       "linux",
		Architecture:   "x86_64",
	}, m.SystemInfo)
	assert.Equal(t, "2026-10-19T12:00:00Z", m.Metadata.CapturedAt)

	require.Len(t, m.CustomNodes, 2)
	assert.Equal(t, manifest.CustomNodeSpec{
		Name:           "ComfyUI-Impact-Pack",
		InstallMethod:  manifest.MethodVCS,
		URL:            "https://github.com/ltdrdata/ComfyUI-Impact-Pack",
		Ref:            "v8.8.1",
		HasPostInstall: true,
		InstallOrder:   PriorityOrder,
	}, m.CustomNodes[0])
	assert.Equal(t, manifest.MethodLocal, m.CustomNodes[1].InstallMethod)
	assert.Equal(t, "/home/dev/my-dev-node", m.CustomNodes[1].URL)

	require.NotNil(t, m.Dependencies)
	assert.Equal(t, map[string]string{"numpy": "1.24.3", "tqdm": "4.66.1"}, m.Dependencies.Packages)
	assert.Equal(t, "https://download.pytorch.org/whl/cu121", m.Dependencies.PyTorch.IndexURL)

	data, err := os.ReadFile(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, res.Size, len(data))
	empties, err := manifest.EmptyValues(data)
	require.NoError(t, err)
	assert.Empty(t, empties)

	reqs, err := os.ReadFile(res.RequirementsPath)
	require.NoError(t, err)
	assert.Equal(t, "--extra-index-url https://download.pytorch.org/whl/cu121\n"+
		"torch==2.1.0+cu121\nnumpy==1.24.3\ntqdm==4.66.1\n", string(reqs))

	var log DetectionLog
	raw, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &log))
	assert.Equal(t, "run-1", log.RunID)
	assert.Len(t, log.Nodes, 2)
	require.Len(t, log.Warnings, 1)
	assert.Equal(t, diag.LocalPathHazard, log.Warnings[0].Kind)
	assert.Equal(t, res.Size, log.ManifestSize)
}

func TestCaptureNeverOverwritesByDefault(t *testing.T) {
	root := newInstallation(t)
	out := t.TempDir()
	writeFile(t, filepath.Join(out, ManifestFile), "{}")

	c := newCapturer(t, captureRecorder())
	_, err := c.Run(context.Background(), Options{Installation: root, Python: "/env/bin/python", OutputDir: out})
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(out, ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = c.Run(context.Background(), Options{Installation: root, Python: "/env/bin/python", OutputDir: out, Overwrite: true})
	require.NoError(t, err)
}

func TestCaptureNamingCollision(t *testing.T) {
	root := newInstallation(t)
	writeFile(t, filepath.Join(root, PluginDir, "comfyui-impact-pack", "__init__.py"), "")
	writeFile(t, filepath.Join(root, PluginDir, "comfyui-impact-pack", "pyproject.toml"),
		"[project]\nname = \"impact\"\nversion = \"8.8.1\"\n[project.urls]\nRepository = \"https://github.com/ltdrdata/ComfyUI-Impact-Pack\"\n")
	out := t.TempDir()

	c := newCapturer(t, captureRecorder())
	_, err := c.Run(context.Background(), Options{Installation: root, Python: "/env/bin/python", OutputDir: out})
	require.Error(t, err)
	assert.Equal(t, diag.NamingCollision, diag.KindOf(err))
	assert.Contains(t, err.Error(), "ComfyUI-Impact-Pack")
	assert.Contains(t, err.Error(), "comfyui-impact-pack")

	assert.NoFileExists(t, filepath.Join(out, ManifestFile))
	assert.FileExists(t, filepath.Join(out, DetectionLogFile))
}

func TestCaptureUnusableInterpreter(t *testing.T) {
	rec := captureRecorder().Fail("import comfy", "ModuleNotFoundError: No module named 'comfy'")
	c := newCapturer(t, rec)

	_, err := c.Run(context.Background(), Options{Installation: newInstallation(t), Python: "/bad/python", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, diag.InterpreterUnusable, diag.KindOf(err))
	assert.Empty(t, rec.Matching("pip list"))
}

func TestRequirementsOrder(t *testing.T) {
	got := Requirements(&manifest.Dependencies{
		Packages:         map[string]string{"b": "2.0", "a": "1.0"},
		GitRequirements:  []manifest.GitRequirement{{URL: "https://github.com/openai/CLIP.git", Ref: "a1d0717", Name: "clip"}},
		EditableInstalls: []string{"/src/tool"},
		ExtraIndexURLs:   []string{"https://extra/simple"},
	})
	assert.Equal(t, "--extra-index-url https://extra/simple\n"+
		"a==1.0\nb==2.0\n"+
		"clip @ git+https://github.com/openai/CLIP.git@a1d0717\n"+
		"-e /src/tool\n", got)
}
