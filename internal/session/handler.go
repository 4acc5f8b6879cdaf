package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zette-dev/kurocha/internal/executor"
	"github.com/zette-dev/kurocha/internal/logger"
)

// ApprovalMarker is the tag the agent appends when it wants the user to
// confirm before it proceeds.
const ApprovalMarker = "[ask_approval]"

// Handler runs one execution and reflects its progress and outcome onto a
// ChatSession.
type Handler struct {
	exec executor.Executor
	log  *logger.Logger
}

// NewHandler creates a Handler driving exec.
func NewHandler(exec executor.Executor, log *logger.Logger) *Handler {
	return &Handler{
		exec: exec,
		log:  log.WithFields(zap.String("component", "session-handler")),
	}
}

// Execute runs req and reports to sess. Progress update failures are logged
// and never abort the execution. When the executor itself fails, sess.Fail
// is called and the same error is returned.
//
// A response carrying ApprovalMarker is treated as an approval request even
// when the agent flagged it as an error.
func (h *Handler) Execute(ctx context.Context, sess ChatSession, req executor.Request) (Outcome, error) {
	onAssistant := func(evt executor.StreamEvent) {
		if err := sess.UpdateProgress(ctx, RenderProgress(evt.Content), ""); err != nil {
			h.log.Warn("progress update failed", zap.Error(err))
		}
	}

	res, err := h.exec.Execute(ctx, req, onAssistant)

	// The outcome is reported even if ctx was canceled mid-execution.
	reportCtx := context.WithoutCancel(ctx)
	if err != nil {
		h.log.Error("execution failed", zap.Error(err))
		if failErr := sess.Fail(reportCtx, err); failErr != nil {
			h.log.Warn("failed to report execution failure", zap.Error(failErr))
		}
		return Outcome{}, err
	}

	out := Outcome{
		Result:             res,
		IsAwaitingApproval: strings.Contains(res.Response, ApprovalMarker),
	}

	switch {
	case out.IsAwaitingApproval:
		prompt := strings.TrimSpace(strings.Replace(res.Response, ApprovalMarker, "", 1))
		err = sess.AwaitingInput(reportCtx, prompt)
	case res.IsError:
		err = sess.Fail(reportCtx, errors.New(res.Response))
	default:
		err = sess.Complete(reportCtx, res.Response)
	}
	if err != nil {
		return out, fmt.Errorf("deliver response: %w", err)
	}

	h.log.Info("execution finished",
		zap.String("session_id", res.SessionID),
		zap.Bool("is_error", res.IsError),
		zap.Bool("awaiting_approval", out.IsAwaitingApproval),
		zap.Float64("cost_usd", res.CostUSD))
	return out, nil
}
