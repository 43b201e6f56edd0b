package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutputAndStderr(t *testing.T) {
	if _, err := LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)
	ctx := context.Background()

	out, err := r.Run(ctx, Cmd{Name: "sh", Args: []string{"-c", "echo $GREETING"}, Env: []string{"GREETING=hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = r.Run(ctx, Cmd{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Contains(t, exitErr.Error(), "broken")
}

func TestRecorderAnswersInOrder(t *testing.T) {
	r := NewRecorder().
		Fail("git clone https://bad", "fatal: repository not found").
		On("git", "ok")

	out, err := r.Run(context.Background(), Cmd{Name: "git", Args: []string{"status"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))

	_, err = r.Run(context.Background(), Cmd{Name: "git", Args: []string{"clone", "https://bad"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository not found")

	out, err = r.Run(context.Background(), Cmd{Name: "uv", Args: []string{"--version"}})
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Equal(t, []string{"git status", "git clone https://bad", "uv --version"}, r.Lines())
	assert.Equal(t, []string{"git status", "git clone https://bad"}, r.Matching("git"))
}
