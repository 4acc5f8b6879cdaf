package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zette-dev/kurocha/internal/executor"
	"github.com/zette-dev/kurocha/internal/logger"
	"github.com/zette-dev/kurocha/internal/metrics"
)

// Runner executes one turn against a ChatSession. *Handler implements it.
type Runner interface {
	Execute(ctx context.Context, sess ChatSession, req executor.Request) (Outcome, error)
}

// Config holds the per-request settings applied to every turn.
type Config struct {
	Options executor.Options
	// SystemPrompt defaults to DefaultSystemPrompt when empty.
	SystemPrompt string
	// SessionID restores a previously remembered agent session.
	SessionID string
}

// Manager is the conversation state machine. It admits one turn at a time
// and remembers the agent session id between turns.
type Manager struct {
	runner       Runner
	opts         executor.Options
	systemPrompt string
	log          *logger.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	// epoch changes on ClearSession so a turn that was running at the time
	// cannot write its outcome back.
	epoch  uint64
	cancel context.CancelFunc
}

// NewManager creates an idle Manager.
func NewManager(runner Runner, cfg Config, log *logger.Logger) *Manager {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	m := &Manager{
		runner:       runner,
		opts:         cfg.Options,
		systemPrompt: cfg.SystemPrompt,
		sessionID:    cfg.SessionID,
		log:          log.WithFields(zap.String("component", "session-manager")),
	}
	metrics.SetState(StateIdle.String(), allStates...)
	return m
}

// HandleTurn runs prompt as the next turn and returns the agent session id
// it ran in. It fails with ErrBusy, leaving state untouched, while another
// turn is processing. Any other failure has already been reported to sess
// and leaves the Manager idle.
func (m *Manager) HandleTurn(ctx context.Context, sess ChatSession, prompt string, turn TurnOptions) (string, error) {
	m.mu.Lock()
	if m.state == StateProcessing {
		m.mu.Unlock()
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeBusy).Inc()
		m.log.Warn("turn rejected, session is busy")
		return "", ErrBusy
	}

	req := m.buildRequest(prompt, turn)
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancel = cancel
	epoch := m.epoch
	m.setState(StateProcessing)
	m.mu.Unlock()

	m.log.Info("turn started",
		zap.String("resume", req.ResumeSessionID),
		zap.Bool("continue", req.Continue))

	out, err := m.runner.Execute(turnCtx, sess, req)

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		m.log.Info("session was cleared during the turn, discarding its outcome",
			zap.String("session_id", out.SessionID))
		return out.SessionID, err
	}
	m.cancel = nil

	if out.SessionID != "" {
		m.sessionID = out.SessionID
	}

	if err != nil {
		m.setState(StateIdle)
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return out.SessionID, err
	}

	switch {
	case out.IsAwaitingApproval:
		m.setState(StateAwaitingApproval)
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeApproval).Inc()
	case out.IsError:
		m.setState(StateIdle)
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeAgentErr).Inc()
	default:
		m.setState(StateIdle)
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
	}
	return out.SessionID, nil
}

// buildRequest must be called with mu held.
func (m *Manager) buildRequest(prompt string, turn TurnOptions) executor.Request {
	req := executor.Request{
		Prompt:       prompt,
		Options:      m.opts,
		SystemPrompt: m.systemPrompt,
	}
	switch {
	case turn.SessionID != "":
		req.ResumeSessionID = turn.SessionID
	case !turn.NewSession:
		req.Continue = true
	}
	return req
}

// ClearSession forgets the remembered session id and returns to Idle. A turn
// still running is canceled and its outcome discarded.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.epoch++
	m.sessionID = ""
	m.setState(StateIdle)
	m.log.Info("session cleared")
}

// State returns the current conversation state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the last agent session id, or "" if none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) setState(s State) {
	m.state = s
	metrics.SetState(s.String(), allStates...)
}
