package work

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(r *Registry) (*Processor, *CompletionTracker) {
	completion := NewCompletionTracker()
	return NewProcessor(r, completion, time.Second, zerolog.Nop()), completion
}

func TestProcessor_RunsDueWorkOnce(t *testing.T) {
	r := NewRegistry()
	var runs atomic.Int32
	r.Register(&WorkType{
		ID:           "sync:rates",
		Priority:     PriorityMedium,
		Interval:     time.Hour,
		FindSubjects: func() []string { return []string{""} },
		Execute: func(ctx context.Context, subject string) error {
			runs.Add(1)
			return nil
		},
	})

	p, completion := newTestProcessor(r)
	go p.Run()
	defer p.Stop()

	p.Trigger()
	require.Eventually(t, func() bool {
		_, ok := completion.GetCompletion("sync:rates", "")
		return ok
	}, time.Second, 5*time.Millisecond)

	// Completed within the interval, another trigger does nothing
	p.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestProcessor_DependenciesAreScopedToSubject(t *testing.T) {
	r := NewRegistry()
	var order []string
	done := make(chan struct{})
	r.Register(&WorkType{
		ID:           "first",
		Priority:     PriorityLow,
		Interval:     time.Hour,
		FindSubjects: func() []string { return []string{"1"} },
		Execute: func(ctx context.Context, subject string) error {
			order = append(order, "first:"+subject)
			return nil
		},
	})
	r.Register(&WorkType{
		ID:           "second",
		DependsOn:    []string{"first"},
		Priority:     PriorityHigh,
		Interval:     time.Hour,
		FindSubjects: func() []string { return []string{"1"} },
		Execute: func(ctx context.Context, subject string) error {
			order = append(order, "second:"+subject)
			close(done)
			return nil
		},
	})

	p, _ := newTestProcessor(r)
	go p.Run()
	defer p.Stop()

	p.Trigger()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dependent work never ran")
	}
	assert.Equal(t, []string{"first:1", "second:1"}, order)
}

func TestProcessor_RetriesFailures(t *testing.T) {
	r := NewRegistry()
	var attempts atomic.Int32
	r.Register(&WorkType{
		ID:           "flaky",
		Priority:     PriorityMedium,
		Interval:     time.Hour,
		FindSubjects: func() []string { return []string{""} },
		Execute: func(ctx context.Context, subject string) error {
			if attempts.Add(1) < 3 {
				return errors.New("boom")
			}
			return nil
		},
	})

	p, completion := newTestProcessor(r)
	go p.Run()
	defer p.Stop()

	p.Trigger()
	require.Eventually(t, func() bool {
		_, ok := completion.GetCompletion("flaky", "")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestProcessor_ExecuteNow(t *testing.T) {
	r := NewRegistry()
	var got string
	r.Register(&WorkType{
		ID: "sync:connections",
		Execute: func(ctx context.Context, subject string) error {
			got = subject
			return nil
		},
	})
	p, completion := newTestProcessor(r)

	require.NoError(t, p.ExecuteNow(context.Background(), "sync:connections", "42"))
	assert.Equal(t, "42", got)
	_, ok := completion.GetCompletion("sync:connections", "42")
	assert.True(t, ok)

	err := p.ExecuteNow(context.Background(), "unknown", "")
	assert.True(t, apperrors.IsNotFound(err))
}
