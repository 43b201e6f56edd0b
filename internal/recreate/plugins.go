package recreate

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/git"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/comfydock/comfydock/internal/plugins"
	"github.com/comfydock/comfydock/internal/uv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// batches groups nodes, already in install sequence, by install_order.
func batches(nodes []manifest.CustomNodeSpec) [][]manifest.CustomNodeSpec {
	var out [][]manifest.CustomNodeSpec
	for i, n := range nodes {
		if i == 0 || n.EffectiveOrder() != nodes[i-1].EffectiveOrder() {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], n)
	}
	return out
}

// installPlugins installs nodes batch by batch in ascending install_order,
// with bounded parallelism inside a batch. A failing node is a warning and
// never stops the others.
func (r *run) installPlugins(ctx context.Context) error {
	for _, batch := range batches(r.m.SortedNodes()) {
		errs := make([]error, len(batch))
		g := new(errgroup.Group)
		g.SetLimit(r.cfg.PluginWorkers)
		for i := range batch {
			i := i
			g.Go(func() error {
				errs[i] = r.installNode(ctx, batch[i])
				return nil
			})
		}
		_ = g.Wait()

		for i, n := range batch {
			if errs[i] != nil {
				r.logger.Warn("plugin install failed", zap.String("plugin", n.Name), zap.Error(errs[i]))
				r.warnErr(diag.Wrap(diag.PluginInstallFailed, n.Name, errs[i]))
				continue
			}
			r.res.InstalledPlugins = append(r.res.InstalledPlugins, n.Name)
		}
	}
	return nil
}

// installNode places one node under the plugin root, then installs its
// requirements and runs its post-install script when flagged.
func (r *run) installNode(ctx context.Context, n manifest.CustomNodeSpec) error {
	dest := filepath.Join(r.res.AppRoot, PluginDir, n.Name)
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%s already exists", dest)
	}

	var err error
	switch n.InstallMethod {
	case manifest.MethodArchive:
		err = r.installArchive(ctx, n.URL, dest)
	case manifest.MethodVCS:
		err = r.installVCS(ctx, n, dest)
	case manifest.MethodLocal:
		err = r.installLocal(n, dest)
	case manifest.MethodManaged:
		err = r.installManaged(ctx, n, dest)
	default:
		err = fmt.Errorf("unknown install method %q", n.InstallMethod)
	}

	if err != nil && n.FallbackURL != "" {
		r.logger.Info("trying fallback archive", zap.String("plugin", n.Name), zap.String("url", n.FallbackURL), zap.Error(err))
		_ = os.RemoveAll(dest)
		if ferr := r.installArchive(ctx, n.FallbackURL, dest); ferr != nil {
			err = fmt.Errorf("%v; fallback %s: %w", err, n.FallbackURL, ferr)
		} else {
			err = nil
		}
	}
	if err != nil {
		_ = os.RemoveAll(dest)
		return err
	}

	if n.HasRequirements {
		r.installRequirements(ctx, n, dest)
	}
	if n.HasPostInstall {
		r.runPostInstall(ctx, n, dest)
	}
	return nil
}

func (r *run) installArchive(ctx context.Context, url, dest string) error {
	if r.cfg.Cache == nil {
		return fmt.Errorf("no download cache configured")
	}
	blob, err := r.cfg.Cache.Fetch(ctx, url, "")
	if err != nil {
		return err
	}
	if err := extractArchive(blob, dest); err != nil {
		return fmt.Errorf("extracting %s: %w", url, err)
	}
	return nil
}

func (r *run) installVCS(ctx context.Context, n manifest.CustomNodeSpec, dest string) error {
	if r.cfg.Git == nil {
		return fmt.Errorf("git is not available")
	}
	return r.cfg.Git.Clone(ctx, n.URL, dest, git.CloneOptions{Ref: n.Ref, Shallow: true})
}

// installLocal copies the recorded path. It only works on the machine that
// was captured, so it always warns.
func (r *run) installLocal(n manifest.CustomNodeSpec, dest string) error {
	r.warn(diag.LocalPathHazard, n.Name, "copied from local path %s, which will not exist on other machines", n.URL)
	if err := copyTree(n.URL, dest); err != nil {
		return err
	}
	marker := filepath.Join(dest, plugins.LocalMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	return os.WriteFile(marker, []byte(n.URL+"\n"), 0644)
}

func (r *run) installManaged(ctx context.Context, n manifest.CustomNodeSpec, dest string) error {
	if r.cfg.Registry == nil {
		return fmt.Errorf("no node registry configured")
	}
	nv, err := r.cfg.Registry.Install(ctx, n.URL, "")
	if err != nil {
		return fmt.Errorf("resolving %s through the registry: %w", n.URL, err)
	}
	return r.installArchive(ctx, nv.DownloadURL, dest)
}

// installRequirements is an optional group: failure only warns.
func (r *run) installRequirements(ctx context.Context, n manifest.CustomNodeSpec, dest string) {
	file := filepath.Join(dest, plugins.RequirementsFile)
	if _, err := os.Stat(file); err != nil {
		r.warn(diag.OptionalInstallFailed, n.Name, "%s flagged but not present", plugins.RequirementsFile)
		return
	}
	err := r.tool.PipInstall(ctx, r.res.Python, uv.Install{
		RequirementsFile: file,
		Constraints:      r.constraints,
		ExtraIndexURLs:   r.indexes,
	})
	if err != nil {
		r.warnErr(diag.Wrap(diag.OptionalInstallFailed, n.Name, err))
	}
}

func (r *run) runPostInstall(ctx context.Context, n manifest.CustomNodeSpec, dest string) {
	if _, err := os.Stat(filepath.Join(dest, plugins.PostInstallScript)); err != nil {
		r.warn(diag.PostInstallScriptFailed, n.Name, "%s flagged but not present", plugins.PostInstallScript)
		return
	}
	_, err := r.cfg.Runner.Run(ctx, command.Cmd{
		Name: r.res.Python,
		Args: []string{plugins.PostInstallScript},
		Dir:  dest,
		Env:  r.env,
	})
	if err != nil {
		r.warnErr(diag.Wrap(diag.PostInstallScriptFailed, n.Name, err))
	}
}

// copyTree copies src into dest, keeping file modes and symlinks.
func copyTree(src, dest string) error {
	src, err := filepath.EvalSymlinks(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
