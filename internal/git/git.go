package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/comfydock/comfydock/internal/command"
)

var commitRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// IsCommit reports whether ref looks like an abbreviated or full revision id.
func IsCommit(ref string) bool { return commitRe.MatchString(ref) }

// Git implements Operations using the git CLI.
type Git struct {
	// gitPath is the path to the git executable
	gitPath string
	runner  command.Runner
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system.
func NewGit(ctx context.Context, runner command.Runner) (*Git, error) {
	gitPath, err := command.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	// Verify git works
	if _, err := runner.Run(ctx, command.Cmd{Name: gitPath, Args: []string{"version"}}); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath, runner: runner}, nil
}

// New creates a Git that invokes gitPath through runner without probing it.
func New(gitPath string, runner command.Runner) *Git {
	if gitPath == "" {
		gitPath = "git"
	}
	return &Git{gitPath: gitPath, runner: runner}
}

// IsRepository reports whether dir contains a .git directory or gitfile.
func (g *Git) IsRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Inspect reads origin, HEAD, an exact tag and the branch of dir.
// SECURITY: dir must be a validated, trusted path. This function
// does not perform path validation or sandboxing.
func (g *Git) Inspect(ctx context.Context, dir string) (*RepoInfo, error) {
	commit, err := g.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse failed in %s: %w", dir, err)
	}
	info := &RepoInfo{Commit: commit}

	// The remaining queries fail legitimately (no origin, no tag, detached HEAD).
	if url, err := g.output(ctx, dir, "remote", "get-url", "origin"); err == nil {
		info.RemoteURL = url
	}
	if tag, err := g.output(ctx, dir, "describe", "--tags", "--exact-match", "HEAD"); err == nil {
		info.Tag = tag
	}
	if branch, err := g.output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		info.Branch = branch
	}
	if status, err := g.output(ctx, dir, "status", "--porcelain"); err == nil {
		info.Dirty = status != ""
	}
	return info, nil
}

// Clone clones url into dest and checks out opts.Ref.
// SECURITY: dest must be a validated, trusted path.
func (g *Git) Clone(ctx context.Context, url, dest string, opts CloneOptions) error {
	if url == "" {
		return fmt.Errorf("clone url is required")
	}

	args := []string{"clone", "--recursive"}
	byName := opts.Ref != "" && !IsCommit(opts.Ref)
	if opts.Shallow && byName {
		args = append(args, "--depth", "1", "--branch", opts.Ref)
	}
	args = append(args, url, dest)
	if _, err := g.runner.Run(ctx, command.Cmd{Name: g.gitPath, Args: args}); err != nil {
		return fmt.Errorf("git clone %s failed: %w", url, err)
	}

	if opts.Ref == "" || (opts.Shallow && byName) {
		return nil
	}
	if _, err := g.runner.Run(ctx, command.Cmd{Name: g.gitPath, Args: []string{"-C", dest, "checkout", "--quiet", opts.Ref}}); err != nil {
		return fmt.Errorf("git checkout %s failed in %s: %w", opts.Ref, dest, err)
	}
	if _, err := g.runner.Run(ctx, command.Cmd{Name: g.gitPath, Args: []string{"-C", dest, "submodule", "update", "--init", "--recursive"}}); err != nil {
		return fmt.Errorf("git submodule update failed in %s: %w", dest, err)
	}
	return nil
}

func (g *Git) output(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, command.Cmd{Name: g.gitPath, Args: append([]string{"-C", dir}, args...)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
