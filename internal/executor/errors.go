package executor

import (
	"fmt"
	"strings"
	"time"
)

// ExecuteFailedError reports an agent process that exited non-zero.
type ExecuteFailedError struct {
	ExitCode int
	Stderr   string
}

// stderrTailLen caps how much stderr Error includes.
const stderrTailLen = 500

func (e *ExecuteFailedError) Error() string {
	msg := fmt.Sprintf("claude execution failed: exit code %d", e.ExitCode)
	tail := strings.TrimSpace(e.Stderr)
	if tail == "" {
		return msg
	}
	if r := []rune(tail); len(r) > stderrTailLen {
		tail = "..." + string(r[len(r)-stderrTailLen:])
	}
	return msg + ": " + tail
}

// TimeoutError reports an execution that exceeded its wall-clock budget.
// The process has been terminated by the time this is returned.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("claude execution timed out after %s", e.Timeout)
}
