package mock

import (
	"context"
	"sync"

	"github.com/zette-dev/kurocha/internal/executor"
)

// Executor is a test double that returns canned responses.
type Executor struct {
	mu       sync.Mutex
	requests []executor.Request

	// Handler, when set, fully controls the response.
	Handler func(ctx context.Context, req executor.Request, onAssistant executor.AssistantHandler) (executor.Result, error)

	// Events are delivered to onAssistant before Result is returned when
	// Handler is nil.
	Events []executor.StreamEvent
	Result executor.Result
	Err    error
}

func New() *Executor {
	return &Executor{}
}

var _ executor.Executor = (*Executor)(nil)

func (e *Executor) Execute(ctx context.Context, req executor.Request, onAssistant executor.AssistantHandler) (executor.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	handler := e.Handler
	e.mu.Unlock()

	if handler != nil {
		return handler(ctx, req, onAssistant)
	}

	if onAssistant != nil {
		for _, evt := range e.Events {
			onAssistant(evt)
		}
	}
	if e.Err != nil {
		return executor.Result{}, e.Err
	}
	if e.Result == (executor.Result{}) {
		return executor.Result{Response: "mock response to: " + req.Prompt}, nil
	}
	return e.Result, nil
}

// Requests returns every request received so far.
func (e *Executor) Requests() []executor.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]executor.Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// Text builds an assistant event carrying a single text block.
func Text(text string) executor.StreamEvent {
	return executor.StreamEvent{
		Type:    executor.EventAssistant,
		Content: []executor.ContentPart{{Type: executor.ContentText, Text: text}},
	}
}

// ToolUse builds an assistant event carrying a single tool_use block.
func ToolUse(name string, input map[string]any) executor.StreamEvent {
	return executor.StreamEvent{
		Type:    executor.EventAssistant,
		Content: []executor.ContentPart{{Type: executor.ContentToolUse, Name: name, Input: input}},
	}
}
