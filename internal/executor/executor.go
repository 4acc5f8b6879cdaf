package executor

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single execution when Options.Timeout is unset.
const DefaultTimeout = 30 * time.Minute

// Options is the per-request process configuration.
type Options struct {
	// WorkingDir is the agent's working directory. When empty the executor
	// asks its WorkspaceProvider for the current workspace directory.
	WorkingDir      string
	MCPConfigPath   string
	SkipPermissions bool
	Timeout         time.Duration
}

// Request is one user turn handed to an executor.
//
// ResumeSessionID and Continue are mutually exclusive. When both are set,
// ResumeSessionID wins and Continue is ignored.
type Request struct {
	Prompt          string
	ResumeSessionID string
	Continue        bool
	Options         Options
	SystemPrompt    string
}

// Result is the terminal output of one execution.
type Result struct {
	SessionID string
	Response  string
	IsError   bool

	// Carried through from the result event for reporting only.
	Subtype  string
	CostUSD  float64
	Duration time.Duration
	Usage    Usage
}

// AssistantHandler is invoked synchronously for every assistant event, in
// arrival order. Implementations must return quickly.
type AssistantHandler func(StreamEvent)

// Executor runs one agent process per call and reports its final result.
type Executor interface {
	Execute(ctx context.Context, req Request, onAssistant AssistantHandler) (Result, error)
}

// WorkspaceProvider supplies the fallback working directory.
type WorkspaceProvider interface {
	CurrentDir() string
}

// WorkspaceFunc adapts a plain function to WorkspaceProvider.
type WorkspaceFunc func() string

func (f WorkspaceFunc) CurrentDir() string { return f() }
