package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/comfydock/comfydock/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	ctx := context.Background()

	t.Run("TaggedCheckout", func(t *testing.T) {
		rec := command.NewRecorder().
			On("rev-parse HEAD", "3f1c2a9d8e7b6a5c4d3e2f1a0b9c8d7e6f5a4b3c\n").
			On("remote get-url origin", "https://github.com/ltdrdata/ComfyUI-Impact-Pack\n").
			On("describe --tags --exact-match", "v4.2.1\n").
			On("rev-parse --abbrev-ref HEAD", "HEAD\n")
		g := New("git", rec)

		info, err := g.Inspect(ctx, "/nodes/impact")
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/ltdrdata/ComfyUI-Impact-Pack", info.RemoteURL)
		assert.Equal(t, "v4.2.1", info.Ref())
		assert.Empty(t, info.Branch)
		assert.False(t, info.Dirty)
	})

	t.Run("UntaggedBranch", func(t *testing.T) {
		rec := command.NewRecorder().
			Fail("describe --tags", "fatal: no tag exactly matches").
			Fail("remote get-url", "error: No such remote 'origin'").
			On("rev-parse --abbrev-ref HEAD", "main\n").
			On("rev-parse HEAD", "abc1234\n").
			On("status --porcelain", " M nodes.py\n")
		g := New("git", rec)

		info, err := g.Inspect(ctx, "/nodes/mine")
		require.NoError(t, err)
		assert.Equal(t, "abc1234", info.Ref())
		assert.Equal(t, "main", info.Branch)
		assert.Empty(t, info.RemoteURL)
		assert.True(t, info.Dirty)
	})

	t.Run("NotARepository", func(t *testing.T) {
		rec := command.NewRecorder().Fail("rev-parse HEAD", "fatal: not a git repository")
		_, err := New("git", rec).Inspect(ctx, "/tmp")
		require.Error(t, err)
	})
}

func TestClone(t *testing.T) {
	ctx := context.Background()

	t.Run("ShallowTag", func(t *testing.T) {
		rec := command.NewRecorder()
		err := New("git", rec).Clone(ctx, "https://github.com/x/y", "/t/y", CloneOptions{Ref: "v1.0", Shallow: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"git clone --recursive --depth 1 --branch v1.0 https://github.com/x/y /t/y"}, rec.Lines())
	})

	t.Run("CommitNeedsCheckout", func(t *testing.T) {
		rec := command.NewRecorder()
		err := New("git", rec).Clone(ctx, "https://github.com/x/y", "/t/y", CloneOptions{Ref: "abc1234", Shallow: true})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"git clone --recursive https://github.com/x/y /t/y",
			"git -C /t/y checkout --quiet abc1234",
			"git -C /t/y submodule update --init --recursive",
		}, rec.Lines())
	})

	t.Run("CheckoutFailure", func(t *testing.T) {
		rec := command.NewRecorder().Fail("checkout", "error: pathspec 'nope' did not match")
		err := New("git", rec).Clone(ctx, "https://github.com/x/y", "/t/y", CloneOptions{Ref: "nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not match")
	})
}

func TestIsRepository(t *testing.T) {
	dir := t.TempDir()
	g := New("git", command.NewRecorder())
	assert.False(t, g.IsRepository(dir))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))
	assert.True(t, g.IsRepository(dir))
}

func TestIsCommit(t *testing.T) {
	assert.True(t, IsCommit("abc1234"))
	assert.True(t, IsCommit("3f1c2a9d8e7b6a5c4d3e2f1a0b9c8d7e6f5a4b3c"))
	assert.False(t, IsCommit("main"))
	assert.False(t, IsCommit("v1.0.0"))
	assert.False(t, IsCommit("abc"))
}
