// Package plugins scans an application's plugin directory and decides how
// each plugin was installed.
package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

const (
	// LocalMarker marks a plugin directory as a local-path install. Its
	// content, when present, is the source path.
	LocalMarker = ".comfydock-local"
	// TrackingFile is written by the application's plugin manager for
	// registry installs.
	TrackingFile = ".tracking"

	PostInstallScript = "install.py"
	RequirementsFile  = "requirements.txt"
	pyprojectFile     = "pyproject.toml"
)

// blacklist holds housekeeping directories that are never plugins.
var blacklist = map[string]bool{
	"__pycache__":        true,
	"node_modules":       true,
	".ipynb_checkpoints": true,
	"venv":               true,
	".venv":              true,
}

// Skipped reports whether a plugin-root entry name is never a plugin:
// blacklisted, hidden, or disabled by the plugin manager.
func Skipped(name string) bool {
	return blacklist[name] || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".disabled")
}

// Node is everything the scanner learned about one plugin directory.
type Node struct {
	Name   string                 `json:"name"`
	Path   string                 `json:"path"`
	Method manifest.InstallMethod `json:"install_method"`
	// URL and Ref are what local evidence supports; validation may
	// replace them.
	URL             string `json:"url,omitempty"`
	Ref             string `json:"ref,omitempty"`
	HasPostInstall  bool   `json:"has_post_install,omitempty"`
	HasRequirements bool   `json:"has_requirements,omitempty"`

	Symlink bool          `json:"symlink,omitempty"`
	Repo    *git.RepoInfo `json:"repo,omitempty"`
	// RegistryID is set when the plugin carries registry metadata, making it
	// a managed candidate.
	RegistryID string `json:"registry_id,omitempty"`
	Tracked    bool   `json:"tracked,omitempty"`
	Version    string `json:"version,omitempty"`
	Repository string `json:"repository,omitempty"`

	Evidence []string `json:"evidence,omitempty"`
}

// Priority reports whether the node installs before the others.
func (n *Node) Priority() bool {
	return n.HasPostInstall || n.HasRequirements
}

func (n *Node) note(format string, args ...interface{}) {
	n.Evidence = append(n.Evidence, fmt.Sprintf(format, args...))
}

// Scanner implements plugin scanning.
type Scanner struct {
	git    git.Operations
	logger *zap.Logger
}

// NewScanner builds a Scanner. A nil logger disables logging.
func NewScanner(g git.Operations, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{git: g, logger: logger}
}

// Scan inspects every plugin directory under root, in name order. A missing
// root yields no plugins.
//
// Method precedence: version control metadata ⇒ vcs; symlink or local
// marker ⇒ local; everything else is archive until validation proves it
// managed.
func (s *Scanner) Scan(ctx context.Context, root string) ([]Node, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin root: %w", err)
	}

	var nodes []Node
	for _, e := range entries {
		if Skipped(e.Name()) {
			continue
		}
		path := filepath.Join(root, e.Name())
		info, err := os.Stat(path)
		if err != nil {
			s.logger.Warn("skipping unreadable plugin entry", zap.String("path", path), zap.Error(err))
			continue
		}
		if !info.IsDir() {
			continue
		}
		nodes = append(nodes, *s.inspect(ctx, path, e.Type()&os.ModeSymlink != 0))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	s.logger.Info("plugins scanned", zap.String("root", root), zap.Int("count", len(nodes)))
	return nodes, nil
}

func (s *Scanner) inspect(ctx context.Context, path string, symlink bool) *Node {
	n := &Node{Name: filepath.Base(path), Path: path, Symlink: symlink}
	n.HasPostInstall = fileExists(filepath.Join(path, PostInstallScript))
	n.HasRequirements = fileExists(filepath.Join(path, RequirementsFile))

	if err := n.readPyproject(filepath.Join(path, pyprojectFile)); err != nil {
		n.note("unreadable %s: %v", pyprojectFile, err)
	}
	n.Tracked = fileExists(filepath.Join(path, TrackingFile))
	if n.Tracked && n.RegistryID == "" {
		n.RegistryID = n.Name
	}

	switch {
	case s.git != nil && s.git.IsRepository(path):
		n.Method = manifest.MethodVCS
		repo, err := s.git.Inspect(ctx, path)
		if err != nil {
			// Still vcs; the remote and ref stay unknown.
			n.note("repository unreadable: %v", err)
			s.logger.Warn("cannot inspect plugin repository", zap.String("plugin", n.Name), zap.Error(err))
			break
		}
		n.Repo = repo
		n.URL = repo.RemoteURL
		n.Ref = repo.Ref()
		n.note("version control metadata present")
		if repo.Dirty {
			n.note("working tree has uncommitted changes")
		}
		if repo.RemoteURL == "" {
			n.note("repository has no origin remote")
		}

	case symlink || fileExists(filepath.Join(path, LocalMarker)):
		n.Method = manifest.MethodLocal
		n.URL = localSource(path, symlink)
		if symlink {
			n.note("symlink to %s", n.URL)
		} else {
			n.note("local marker present")
		}

	default:
		// The download URL is resolved later from the registry or the
		// declared repository.
		n.Method = manifest.MethodArchive
		if n.RegistryID != "" {
			n.note("registry metadata for %q", n.RegistryID)
		}
	}
	return n
}

type pyproject struct {
	Project struct {
		Name    string            `toml:"name"`
		Version string            `toml:"version"`
		URLs    map[string]string `toml:"urls"`
	} `toml:"project"`
	Tool struct {
		Comfy *struct {
			PublisherID string `toml:"PublisherId"`
			DisplayName string `toml:"DisplayName"`
		} `toml:"comfy"`
	} `toml:"tool"`
}

// readPyproject picks up the registry identity and declared repository.
// A missing file is not an error.
func (n *Node) readPyproject(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var p pyproject
	if err := toml.Unmarshal(data, &p); err != nil {
		return err
	}
	n.Version = p.Project.Version
	for _, key := range []string{"Repository", "repository", "Source", "Homepage"} {
		if u := p.Project.URLs[key]; strings.HasPrefix(u, "http") {
			n.Repository = strings.TrimSuffix(u, "/")
			break
		}
	}
	if p.Tool.Comfy != nil && p.Project.Name != "" {
		n.RegistryID = p.Project.Name
	}
	return nil
}

// localSource resolves where a local plugin comes from: the symlink target,
// or the path recorded in the marker, or the directory itself.
func localSource(path string, symlink bool) string {
	if symlink {
		if target, err := filepath.EvalSymlinks(path); err == nil {
			return target
		}
	}
	if data, err := os.ReadFile(filepath.Join(path, LocalMarker)); err == nil {
		if src := strings.TrimSpace(string(data)); filepath.IsAbs(src) {
			return src
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
