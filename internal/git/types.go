package git

import (
	"context"
)

// Operations provides the git operations used by capture and recreate.
// It is implemented by *Git and can be replaced by a fake in tests.
type Operations interface {
	// IsRepository reports whether dir is the top of a git work tree.
	IsRepository(dir string) bool

	// Inspect reads the origin URL and checked-out revision of dir.
	Inspect(ctx context.Context, dir string) (*RepoInfo, error)

	// Clone clones url into dest and checks out ref when ref is non-empty.
	Clone(ctx context.Context, url, dest string, opts CloneOptions) error
}

// RepoInfo describes the checked-out state of a repository.
type RepoInfo struct {
	// RemoteURL is the fetch URL of origin, empty when there is no origin
	RemoteURL string `json:"remote_url,omitempty"`

	// Commit is the full HEAD revision
	Commit string `json:"commit"`

	// Tag is a tag pointing exactly at HEAD, if any
	Tag string `json:"tag,omitempty"`

	// Branch is the current branch, empty on a detached HEAD
	Branch string `json:"branch,omitempty"`

	// Dirty is true when the work tree has uncommitted changes
	Dirty bool `json:"dirty,omitempty"`
}

// Ref returns the most stable reference for the checked-out state: a tag
// when HEAD is tagged, otherwise the commit.
func (r *RepoInfo) Ref() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.Commit
}

// CloneOptions configures a clone.
type CloneOptions struct {
	// Ref is a branch, tag or commit to check out after cloning
	Ref string

	// Shallow clones with depth 1 when Ref is a branch or tag
	Shallow bool
}
