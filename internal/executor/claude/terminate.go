package claude

import (
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zette-dev/kurocha/internal/logger"
)

type terminationReason int

const (
	reasonNone terminationReason = iota
	reasonTimeout
	reasonCanceled
)

func (r terminationReason) String() string {
	switch r {
	case reasonTimeout:
		return "timeout"
	case reasonCanceled:
		return "canceled"
	default:
		return "none"
	}
}

// termination escalates from a graceful signal to a forced kill. The first
// begin call wins; later calls are no-ops. finish marks the process as
// reaped and stops any pending kill.
type termination struct {
	cmd   *exec.Cmd
	grace time.Duration
	log   *logger.Logger

	mu        sync.Mutex
	reason    terminationReason
	killTimer *time.Timer
	done      bool
}

func newTermination(cmd *exec.Cmd, grace time.Duration, log *logger.Logger) *termination {
	return &termination{cmd: cmd, grace: grace, log: log}
}

func (t *termination) begin(reason terminationReason) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || t.reason != reasonNone {
		return
	}
	t.reason = reason

	t.log.Warn("terminating claude process",
		zap.Stringer("reason", reason),
		zap.Int("pid", t.cmd.Process.Pid),
		zap.Duration("kill_after", t.grace))

	if err := terminateProcess(t.cmd.Process); err != nil {
		t.log.Debug("graceful signal failed", zap.Error(err))
	}
	t.killTimer = time.AfterFunc(t.grace, t.kill)
}

func (t *termination) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.log.Warn("claude process did not exit in time, killing", zap.Int("pid", t.cmd.Process.Pid))
	if err := killProcess(t.cmd.Process); err != nil {
		t.log.Debug("kill failed", zap.Error(err))
	}
}

// finish must be called once the process has been reaped. It returns why
// termination was requested, if it was.
func (t *termination) finish() terminationReason {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done = true
	if t.killTimer != nil {
		t.killTimer.Stop()
	}
	return t.reason
}
