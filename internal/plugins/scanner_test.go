package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirGit treats directories with a .git entry as repositories and answers
// Inspect from a table keyed by directory name.
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
	return nil, errors.New("fatal: bad object HEAD")
}

func (g *dirGit) Clone(context.Context, string, string, git.CloneOptions) error { return nil }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const registryPyproject = `
[project]
name = "comfyui-kjnodes"
version = "1.0.5"

[project.urls]
Repository = "https://github.com/kijai/ComfyUI-KJNodes/"

[tool.comfy]
PublisherId = "kijai"
DisplayName = "KJNodes"
`

func TestScan(t *testing.T) {
	root := t.TempDir()

	// vcs with post-install and requirements
	writeFile(t, filepath.Join(root, "ComfyUI-Impact-Pack", ".git", "HEAD"), "ref: refs/heads/main\n")
	writeFile(t, filepath.Join(root, "ComfyUI-Impact-Pack", "install.py"), "")
	writeFile(t, filepath.Join(root, "ComfyUI-Impact-Pack", "requirements.txt"), "ultralytics\n")
	// registry metadata, no vcs
	writeFile(t, filepath.Join(root, "comfyui-kjnodes", "pyproject.toml"), registryPyproject)
	writeFile(t, filepath.Join(root, "comfyui-kjnodes", "__init__.py"), "")
	// plugin-manager tracked without pyproject
	writeFile(t, filepath.Join(root, "tracked-node", ".tracking"), "__init__.py\n")
	// local marker
	writeFile(t, filepath.Join(root, "my-dev-node", LocalMarker), "/home/dev/src/my-dev-node\n")
	// symlink
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "__init__.py"), "")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "linked-node")))
	// unreadable repository still counts as vcs
	writeFile(t, filepath.Join(root, "broken-repo", ".git", "HEAD"), "")
	// never plugins
	writeFile(t, filepath.Join(root, "__pycache__", "x.pyc"), "")
	writeFile(t, filepath.Join(root, "old-node.disabled", "__init__.py"), "")
	writeFile(t, filepath.Join(root, ".hidden", "__init__.py"), "")
	writeFile(t, filepath.Join(root, "example_node.py.example"), "")

	g := &dirGit{repos: map[string]*git.RepoInfo{
		"ComfyUI-Impact-Pack": {RemoteURL: "https://github.com/ltdrdata/ComfyUI-Impact-Pack", Commit: "abc1234", Tag: "8.8.1"},
	}}
	nodes, err := NewScanner(g, nil).Scan(context.Background(), root)
	require.NoError(t, err)

	byName := map[string]Node{}
	var names []string
	for _, n := range nodes {
		byName[n.Name] = n
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"ComfyUI-Impact-Pack", "broken-repo", "comfyui-kjnodes", "linked-node", "my-dev-node", "tracked-node"}, names)

	impact := byName["ComfyUI-Impact-Pack"]
	assert.Equal(t, manifest.MethodVCS, impact.Method)
	assert.Equal(t, "https://github.com/ltdrdata/ComfyUI-Impact-Pack", impact.URL)
	assert.Equal(t, "8.8.1", impact.Ref)
	assert.True(t, impact.HasPostInstall)
	assert.True(t, impact.HasRequirements)
	assert.True(t, impact.Priority())

	broken := byName["broken-repo"]
	assert.Equal(t, manifest.MethodVCS, broken.Method)
	assert.Empty(t, broken.URL)
	assert.NotEmpty(t, broken.Evidence)

	kj := byName["comfyui-kjnodes"]
	assert.Equal(t, manifest.MethodArchive, kj.Method)
	assert.Equal(t, "comfyui-kjnodes", kj.RegistryID)
	assert.Equal(t, "1.0.5", kj.Version)
	assert.Equal(t, "https://github.com/kijai/ComfyUI-KJNodes", kj.Repository)
	assert.Empty(t, kj.URL)
	assert.False(t, kj.Priority())

	tracked := byName["tracked-node"]
	assert.True(t, tracked.Tracked)
	assert.Equal(t, "tracked-node", tracked.RegistryID)

	dev := byName["my-dev-node"]
	assert.Equal(t, manifest.MethodLocal, dev.Method)
	assert.Equal(t, "/home/dev/src/my-dev-node", dev.URL)

	linked := byName["linked-node"]
	assert.Equal(t, manifest.MethodLocal, linked.Method)
	assert.True(t, linked.Symlink)
	wantTarget, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, wantTarget, linked.URL)
}

func TestScanMissingRoot(t *testing.T) {
	nodes, err := NewScanner(&dirGit{}, nil).Scan(context.Background(), filepath.Join(t.TempDir(), "custom_nodes"))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestScanBadPyprojectIsNoted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad", "pyproject.toml"), "[project\nname=")

	nodes, err := NewScanner(&dirGit{}, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Empty(t, nodes[0].RegistryID)
	assert.Contains(t, nodes[0].Evidence[0], "pyproject.toml")
}

func TestSkipped(t *testing.T) {
	for name, want := range map[string]bool{
		"__pycache__":      true,
		"node_modules":     true,
		".git":             true,
		"foo.disabled":     true,
		"ComfyUI-Manager":  false,
		"was-node-suite":   false,
		"disabled-but-not": false,
	} {
		assert.Equal(t, want, Skipped(name), name)
	}
}

func TestCheckCollisions(t *testing.T) {
	require.NoError(t, CheckCollisions([]Node{{Name: "a"}, {Name: "b"}}))

	err := CheckCollisions([]Node{
		{Name: "ComfyUI-Manager", Method: manifest.MethodManaged, RegistryID: "comfyui-manager", URL: "comfyui-manager"},
		{Name: "comfyui-manager", Method: manifest.MethodVCS, URL: "https://github.com/ltdrdata/ComfyUI-Manager"},
		{Name: "other", Method: manifest.MethodArchive, URL: "https://x/y.zip"},
	})
	require.Error(t, err)
	assert.Equal(t, diag.NamingCollision, diag.KindOf(err))
	assert.True(t, diag.IsFatal(err))
	assert.Contains(t, err.Error(), "registry comfyui-manager")
	assert.Contains(t, err.Error(), "https://github.com/ltdrdata/ComfyUI-Manager")
	assert.NotContains(t, err.Error(), "other")
}
