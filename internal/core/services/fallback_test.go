package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

func TestFallback_ReturnsTextVerbatim(t *testing.T) {
	backend := newScriptedBackend(reply{text: "  Plain answer with {braces}  "})
	f := NewFallbackFinalizer(testLogger(), backend, "m", domain.DefaultAgentConfig(), nil)
	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "hi"},
	}

	got := f.Finalize(context.Background(), "test", msgs)

	assert.Equal(t, "  Plain answer with {braces}  ", got)
	assert.Len(t, msgs, 2, "caller's messages must not grow")

	calls := backend.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 3)
	assert.Equal(t, forceFinalInstruction, calls[0].Messages[2].Content)
	assert.False(t, calls[0].JSONMode)
	assert.True(t, calls[0].NoRetry)
}

func TestFallback_Apologizes(t *testing.T) {
	for name, r := range map[string]reply{
		"error": {err: errors.New("down")},
		"empty": {text: ""},
		"panic": {panic: "bad"},
	} {
		t.Run(name, func(t *testing.T) {
			f := NewFallbackFinalizer(testLogger(), newScriptedBackend(r), "m", domain.DefaultAgentConfig(), nil)
			assert.Equal(t, FallbackApology, f.Finalize(context.Background(), "test", nil))
		})
	}
}

func TestFailureLearner_FillsDefaults(t *testing.T) {
	store := new(MockMemoryStore)
	store.On("StoreFailure", mock.Anything, mock.MatchedBy(func(r domain.FailureRecord) bool {
		return r.ID != "" && !r.CreatedAt.IsZero() && r.Severity == domain.SeverityMedium && r.Content == "boom"
	})).Return(nil).Once()

	NewFailureLearner(testLogger(), store).RecordFailure(context.Background(), domain.FailureRecord{Content: "boom"})

	store.AssertExpectations(t)
}

func TestFailureLearner_SurvivesCancelledContext(t *testing.T) {
	store := new(MockMemoryStore)
	store.On("StoreFailure", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewFailureLearner(testLogger(), store).RecordFailure(ctx, domain.FailureRecord{Content: "cancelled"})

	store.AssertExpectations(t)
}

func TestFailureLearner_SwallowsStoreFailures(t *testing.T) {
	store := new(MockMemoryStore)
	store.On("StoreFailure", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	l := NewFailureLearner(testLogger(), store)

	assert.NotPanics(t, func() {
		l.RecordFailure(context.Background(), domain.FailureRecord{Content: "x"})
	})

	panicking := new(MockMemoryStore)
	panicking.On("StoreFailure", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("store exploded") })
	assert.NotPanics(t, func() {
		NewFailureLearner(testLogger(), panicking).RecordFailure(context.Background(), domain.FailureRecord{Content: "x"})
	})

	assert.NotPanics(t, func() {
		NewFailureLearner(testLogger(), nil).RecordFailure(context.Background(), domain.FailureRecord{Content: "x"})
	})
}
