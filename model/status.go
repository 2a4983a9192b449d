package model

import (
	"fmt"

	"brant.roofing.org/common"
)

// ProcessingStatus is the document lifecycle state machine value.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
	StatusCancelled  ProcessingStatus = "CANCELLED"
)

// Valid reports whether s is one of the five legal status values.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s ProcessingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition is the pure transition function of the status state machine:
//
//	PENDING    -> PROCESSING | CANCELLED
//	PROCESSING -> COMPLETED | FAILED | CANCELLED
//
// Everything else is illegal.
func CanTransition(from, to ProcessingStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Transition validates a status change, returning ErrConflict for any edge
// the state machine does not allow.
func Transition(from, to ProcessingStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("unknown status %q -> %q: %w", from, to, common.ErrConflict)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, common.ErrConflict)
	}
	return nil
}
