package servicemanager

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

// DefaultScriptTimeout bounds a single management-script invocation.
const DefaultScriptTimeout = 30 * time.Second

// ScriptRunner executes a service management script with a single verb
// (start, stop, status, restart). The script's exit code is authoritative.
type ScriptRunner interface {
	Run(script string, verb string, workDir string, timeout time.Duration) error
}

type execScriptRunner struct{}

// NewScriptRunner returns the real, exec-backed script runner.
func NewScriptRunner() ScriptRunner {
	return execScriptRunner{}
}

func (execScriptRunner) Run(script string, verb string, workDir string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script, verb)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError("management script timed out", ctx.Err()).
			WithContext("script", script).WithContext("verb", verb)
	}
	if err != nil {
		return errors.NewProcessError("management script failed", err).
			WithContext("script", script).
			WithContext("verb", verb).
			WithContext("output", strings.TrimSpace(string(output)))
	}
	return nil
}
