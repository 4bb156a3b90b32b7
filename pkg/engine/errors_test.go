package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{"bare", NewCommitError("update failed", nil), "[commit] update failed"},
		{"field", NewValidationError("bad", nil).WithField("name"), "[validation] bad (field=name)"},
		{"operation", NewSyncError("patch failed", nil).WithOperation("patch"), "[sync] patch failed (operation=patch)"},
		{
			"both with cause",
			NewSyncError("patch failed", errors.New("timeout")).WithField("tags").WithOperation("patch"),
			"[sync] patch failed (field=tags, operation=patch): timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestEngineError_Classification(t *testing.T) {
	cause := errors.New("root")
	wrapped := fmt.Errorf("outer: %w", NewHydrationError("load", cause))

	assert.True(t, IsHydrationError(wrapped))
	assert.False(t, IsCommitError(wrapped))
	assert.Equal(t, ErrorClassHydration, ClassOf(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrorClass(""), ClassOf(cause))

	assert.True(t, IsValidation(NewValidationError("x", nil)))
	assert.True(t, IsSyncError(NewSyncError("x", nil)))
	assert.True(t, IsPermanent(ErrNotPersisted))
}

func TestEngineError_Sentinels(t *testing.T) {
	err := NewCommitError("busy", nil).WithCode(ErrCodeCommitInProgress)
	assert.ErrorIs(t, err, ErrCommitInProgress)
	assert.NotErrorIs(t, NewCommitError("other", nil), ErrCommitInProgress)

	unknown := unknownField("nope", "setScalar")
	assert.ErrorIs(t, unknown, ErrUnknownField)
	assert.Equal(t, "nope", unknown.Field)
}

func TestEngineError_Details(t *testing.T) {
	err := NewHydrationError("load", nil).WithDetail("challengeId", "ch-1").WithDetail("attempt", 2)
	assert.Equal(t, ErrCodeHydration, err.Code)
	require.Len(t, err.Details, 2)
	assert.Equal(t, "ch-1", err.Details["challengeId"])
}
