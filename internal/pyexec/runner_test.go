package pyexec

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// shell stands in for python: both take the program text after -c.
func shell(t *testing.T) *Runner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &Runner{Interpreter: "sh", Timeout: 5 * time.Second, Logger: quiet}
}

func TestRunReturnsTrimmedStdout(t *testing.T) {
	env := shell(t).Run(context.Background(), `echo "  hello  "`)
	require.True(t, env.Success, env.Error)
	assert.Equal(t, "hello", env.Data)
}

func TestRunNonZeroExit(t *testing.T) {
	env := shell(t).Run(context.Background(), `echo partial; echo "bad thing" >&2; exit 3`)
	assert.False(t, env.Success)
	assert.Equal(t, "Python process exited with code 3. Error: bad thing", env.Error)
}

func TestRunStderrFailsEvenOnZeroExit(t *testing.T) {
	env := shell(t).Run(context.Background(), `echo ok; echo "warning" >&2`)
	assert.False(t, env.Success)
	assert.Equal(t, "Python process exited with code 0. Error: warning", env.Error)
}

func TestRunMissingInterpreter(t *testing.T) {
	r := &Runner{Interpreter: "galaxy-no-such-python", Logger: quiet}
	env := r.Run(context.Background(), "print(1)")
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "Execution error:")
}

func TestRunTimeout(t *testing.T) {
	r := shell(t)
	r.Timeout = 50 * time.Millisecond
	env := r.Run(context.Background(), "sleep 5")
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "Python process exited with code -1")
}
