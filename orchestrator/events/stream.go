// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package events carries the typed progress events of an execution to any
// number of consumers. A stream keeps its full history, so a consumer that
// attaches late replays everything and still sees the terminal event.
package events

import (
	"context"
	"sync"
	"time"
)

// Type of an execution event.
type Type string

const (
	Started           Type = "started"
	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	FeedbackRequested Type = "feedback_requested"
	Completed         Type = "completed"
	Failed            Type = "failed"
)

// IsTerminal reports whether the event ends the stream.
func (t Type) IsTerminal() bool {
	return t == Completed || t == Failed
}

// Event is one progress notification.
type Event struct {
	Type            Type                   `json:"type"`
	ExecutionID     string                 `json:"execution_id"`
	StepID          string                 `json:"step_id,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	ProgressPercent float64                `json:"progress_percent"`
	Message         string                 `json:"message,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Emitter receives events. Emit reports false once the stream is closed.
type Emitter interface {
	Emit(ev Event) bool
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) bool { return true }

// Stream is the event history of one execution.
type Stream struct {
	executionID string

	mu     sync.Mutex
	events []Event
	closed bool
	notify chan struct{}
}

// NewStream creates an open stream.
func NewStream(executionID string) *Stream {
	return &Stream{executionID: executionID, notify: make(chan struct{})}
}

// ExecutionID returns the execution the stream belongs to.
func (s *Stream) ExecutionID() string { return s.executionID }

// Emit appends an event. A terminal event closes the stream; events after
// that are dropped.
func (s *Stream) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if ev.ExecutionID == "" {
		ev.ExecutionID = s.executionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	if ev.Type.IsTerminal() {
		s.closed = true
	}
	close(s.notify)
	s.notify = make(chan struct{})
	return true
}

// Close ends the stream without a terminal event.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
	s.notify = make(chan struct{})
}

// Closed reports whether the stream accepts no more events.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Events returns a copy of the history.
func (s *Stream) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Last returns the most recent event.
func (s *Stream) Last() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[len(s.events)-1], true
}

// Subscribe replays the history and follows new events. The channel is
// closed after the stream closes or ctx is done.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			batch := append([]Event(nil), s.events[next:]...)
			closed := s.closed
			wait := s.notify
			s.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += len(batch)
			if closed {
				return
			}

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Wait blocks until the stream closes and returns its last event.
func (s *Stream) Wait(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		closed, wait := s.closed, s.notify
		s.mu.Unlock()
		if closed {
			ev, _ := s.Last()
			return ev, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
