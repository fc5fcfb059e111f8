// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func types(evs []Event) []Type {
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestStream_LiveSubscriberSeesEverythingInOrder(t *testing.T) {
	s := NewStream("exec-1")
	ch := s.Subscribe(context.Background())

	require.True(t, s.Emit(Event{Type: Started}))
	require.True(t, s.Emit(Event{Type: StepStarted, StepID: "key_facts"}))
	require.True(t, s.Emit(Event{Type: StepCompleted, StepID: "key_facts", ProgressPercent: 100}))
	require.True(t, s.Emit(Event{Type: Completed, ProgressPercent: 100}))

	evs := collect(t, ch)
	assert.Equal(t, []Type{Started, StepStarted, StepCompleted, Completed}, types(evs))
	for _, ev := range evs {
		assert.Equal(t, "exec-1", ev.ExecutionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestStream_LateSubscriberReplaysHistory(t *testing.T) {
	s := NewStream("exec-1")
	s.Emit(Event{Type: Started})
	s.Emit(Event{Type: Failed, Message: "plan deadlock"})

	evs := collect(t, s.Subscribe(context.Background()))

	assert.Equal(t, []Type{Started, Failed}, types(evs))
	assert.Equal(t, "plan deadlock", evs[1].Message)
}

func TestStream_TerminalEventClosesStream(t *testing.T) {
	s := NewStream("exec-1")
	s.Emit(Event{Type: Completed})

	assert.True(t, s.Closed())
	assert.False(t, s.Emit(Event{Type: StepStarted}))
	assert.Len(t, s.Events(), 1)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, Completed, last.Type)
}

func TestStream_SubscriberStopsOnContext(t *testing.T) {
	s := NewStream("exec-1")
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	s.Emit(Event{Type: Started})
	assert.Equal(t, Started, (<-ch).Type)

	cancel()
	collect(t, ch)
	assert.False(t, s.Closed())
}

func TestStream_Wait(t *testing.T) {
	s := NewStream("exec-1")
	go func() {
		s.Emit(Event{Type: Started})
		s.Emit(Event{Type: Completed, Message: "done"})
	}()

	ev, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", ev.Message)

	open := NewStream("exec-2")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = open.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub(t *testing.T) {
	h := NewHub(time.Minute)
	s := h.Open("exec-1")
	h.Open("exec-2")

	got, ok := h.Get("exec-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	s.Close()
	now := time.Now()
	assert.Equal(t, 0, h.Prune(now), "first sighting starts the retention clock")
	assert.Equal(t, 0, h.Prune(now.Add(30*time.Second)))
	assert.Equal(t, 1, h.Prune(now.Add(2*time.Minute)))

	_, ok = h.Get("exec-1")
	assert.False(t, ok)
	assert.Equal(t, 1, h.Len())
}

func TestTypeIsTerminal(t *testing.T) {
	assert.True(t, Completed.IsTerminal())
	assert.True(t, Failed.IsTerminal())
	assert.False(t, FeedbackRequested.IsTerminal())
	assert.True(t, Discard.Emit(Event{Type: Started}))
}
