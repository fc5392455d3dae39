// Package pyexec runs Python snippets in a subprocess for the execute-python
// binding.
package pyexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/starford/galaxy/internal/models"
)

// DefaultInterpreter is looked up on PATH.
const DefaultInterpreter = "python"

// Runner executes code with `<interpreter> -c <code>`.
type Runner struct {
	Interpreter string
	Timeout     time.Duration
	Logger      *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run executes code and returns its envelope. Output on stderr counts as a
// failure even when the exit code is zero. Stdout is trimmed.
func (r *Runner) Run(ctx context.Context, code string) models.Envelope {
	interpreter := r.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, interpreter, "-c", code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren holding the pipes open must not outlive a cancelled run.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			r.logger().Error("pyexec: start failed",
				slog.String("interpreter", interpreter),
				slog.String("error", err.Error()))
			return models.Envelope{Error: "Execution error: " + err.Error()}
		}
		exitCode = exitErr.ExitCode()
	}
	r.logger().Info("pyexec: completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("took", time.Since(start)))

	if errOut := strings.TrimSpace(stderr.String()); exitCode != 0 || errOut != "" {
		return models.Envelope{Error: fmt.Sprintf("Python process exited with code %d. Error: %s", exitCode, errOut)}
	}
	return models.Succeeded(strings.TrimSpace(stdout.String()))
}
