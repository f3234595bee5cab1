package watchdog

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

const defaultCommandTimeout = 15 * time.Second

// CommandRunner executes external diagnostic and recovery commands.
// Recovery ladders and samplers only ever shell out through this, so
// tests can substitute a scripted fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

// NewCommandRunner returns the exec-backed runner.
func NewCommandRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if ctx.Err() == context.DeadlineExceeded {
		return text, errors.NewTimeoutError("command timed out", ctx.Err()).WithContext("command", name)
	}
	if err != nil {
		return text, errors.NewProcessError("command failed", err).
			WithContext("command", name).WithContext("output", text)
	}
	return text, nil
}
