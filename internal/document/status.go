// Package document defines the lifecycle of an ingested document: its status,
// the allowed transitions between statuses and the step-level progress record
// that is stored alongside the status.
package document

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a document. Exactly one holds at any time.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
	StatusArchived   Status = "ARCHIVED"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusProcessing, StatusReady, StatusFailed, StatusArchived}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown document status %q", s)
	}
	return st, nil
}

// transitions maps a status to the statuses it may move to.
//
//	PENDING    -> PROCESSING (dispatch accepted), PENDING (new content)
//	PROCESSING -> READY, PENDING (retry or new content), FAILED
//	READY      -> ARCHIVED, PROCESSING (forced reprocess), PENDING (new content)
//	FAILED     -> PENDING (manual retry or new content)
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusPending},
	StatusProcessing: {StatusReady, StatusPending, StatusFailed},
	StatusReady:      {StatusArchived, StatusProcessing, StatusPending},
	StatusFailed:     {StatusPending},
	StatusArchived:   {},
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns a wrapped ErrInvalidTransition
// when it is not allowed.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Processable reports whether the pipeline may pick up a document in this status
// for a forced re-run. Archived documents are never re-processed.
func (s Status) Processable() bool {
	return s == StatusPending || s == StatusReady
}
