package proc

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

// StartDetached launches a command in its own session with all standard
// streams bound to /dev/null, so the child survives the supervisor and
// never inherits its terminal or file descriptors.
func StartDetached(command string, args []string, workDir string) (*os.Process, error) {
	if command == "" {
		return nil, errors.NewValidationError("command cannot be empty", nil)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.NewIOError("failed to open /dev/null", err)
	}
	defer devnull.Close()

	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start detached process", err).
			WithContext("command", command)
	}
	return cmd.Process, nil
}
