package session

import (
	"context"
	"errors"

	"github.com/zette-dev/kurocha/internal/executor"
)

// ErrBusy is returned by Manager.HandleTurn while a previous turn is still
// being processed. No execution is attempted.
var ErrBusy = errors.New("session is busy")

// ChatSession is the UI surface of one conversation turn, implemented per
// chat platform. Implementations may update a single message in place.
type ChatSession interface {
	// UpdateProgress shows intermediate output. title may be empty.
	UpdateProgress(ctx context.Context, text, title string) error
	// Complete replaces the progress display with the final response.
	Complete(ctx context.Context, text string) error
	// Fail reports an execution failure or an error response from the agent.
	Fail(ctx context.Context, err error) error
	// AwaitingInput asks the user to approve or amend the agent's plan.
	AwaitingInput(ctx context.Context, text string) error
}

// State is the orchestrator's conversation state.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateAwaitingApproval
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateAwaitingApproval:
		return "awaiting_approval"
	default:
		return "idle"
	}
}

var allStates = []string{
	StateIdle.String(),
	StateProcessing.String(),
	StateAwaitingApproval.String(),
}

// Outcome is an execution result plus whether the agent asked for approval.
type Outcome struct {
	executor.Result
	IsAwaitingApproval bool
}

// TurnOptions selects which agent conversation a turn runs in.
type TurnOptions struct {
	// SessionID resumes that session explicitly.
	SessionID string
	// NewSession starts a fresh conversation instead of continuing the most
	// recent one. Ignored when SessionID is set.
	NewSession bool
}
