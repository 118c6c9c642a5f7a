// Package services implements the persistence adapters for titles and
// Event Families over PostgreSQL. All EF-store mutations flow through
// here, inside row-level transactions.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable indicates the backing store is inaccessible.
	// Fatal to the run.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflictingAssignment indicates a title is already bound to a
	// different EF. The orchestrator re-runs merge against the updated
	// store.
	ErrConflictingAssignment = errors.New("conflicting title assignment")
)

// ConflictingAssignmentError identifies the title and the two EFs that
// contend for it.
type ConflictingAssignmentError struct {
	TitleID    string
	AssignedTo string
	Target     string
}

func (e *ConflictingAssignmentError) Error() string {
	return fmt.Sprintf("title %s is already assigned to EF %s (wanted %s)",
		e.TitleID, e.AssignedTo, e.Target)
}

func (e *ConflictingAssignmentError) Unwrap() error {
	return ErrConflictingAssignment
}
