package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brant.roofing.org/common"
)

// TestStatusValid tests recognition of the five legal status values
func TestStatusValid(t *testing.T) {
	for _, s := range []ProcessingStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Valid(), "expected %s to be valid", s)
	}
	assert.False(t, ProcessingStatus("RUNNING").Valid())
	assert.False(t, ProcessingStatus("").Valid())
}

// TestStatusTerminal tests the terminal-state predicate
func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

// TestCanTransition exercises the full transition matrix
func TestCanTransition(t *testing.T) {
	all := []ProcessingStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

	legal := map[ProcessingStatus][]ProcessingStatus{
		StatusPending:    {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if to == ok {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// TestTransitionErrors tests that illegal edges surface as conflicts
func TestTransitionErrors(t *testing.T) {
	require.NoError(t, Transition(StatusPending, StatusProcessing))
	require.NoError(t, Transition(StatusProcessing, StatusCancelled))

	err := Transition(StatusCompleted, StatusProcessing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConflict))

	err = Transition(StatusPending, StatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConflict))

	err = Transition(ProcessingStatus("bogus"), StatusPending)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConflict))
}

// TestParseDocumentKind tests hint parsing including unknown fallback
func TestParseDocumentKind(t *testing.T) {
	assert.Equal(t, KindBlueprint, ParseDocumentKind("blueprint"))
	assert.Equal(t, KindInspectionReport, ParseDocumentKind("inspection_report"))
	assert.Equal(t, KindUnknown, ParseDocumentKind("Blueprint"))
	assert.Equal(t, KindUnknown, ParseDocumentKind(""))
}
