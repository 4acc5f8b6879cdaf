package session

import (
	"context"
	"errors"
	"sync"
)

// recordingSession is a ChatSession that records every call.
type recordingSession struct {
	mu         sync.Mutex
	progress   []string
	completed  []string
	failed     []error
	awaiting   []string
	progressFn func(text string) error
	deliverErr error
}

func (s *recordingSession) UpdateProgress(_ context.Context, text, _ string) error {
	s.mu.Lock()
	s.progress = append(s.progress, text)
	fn := s.progressFn
	s.mu.Unlock()
	if fn != nil {
		return fn(text)
	}
	return nil
}

func (s *recordingSession) Complete(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, text)
	return s.deliverErr
}

func (s *recordingSession) Fail(_ context.Context, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, err)
	return s.deliverErr
}

func (s *recordingSession) AwaitingInput(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaiting = append(s.awaiting, text)
	return s.deliverErr
}

var errDeliver = errors.New("telegram unavailable")
