package cyclecount

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus is the counting session lifecycle state.
type SessionStatus string

const (
	StatusDraft      SessionStatus = "draft"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is legal.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// countable reports whether lines may still be updated.
func (s SessionStatus) countable() bool {
	return s == StatusDraft || s == StatusInProgress
}

// Session is a physical-inventory reconciliation run.
type Session struct {
	ID          int64
	Name        string
	LocationID  int64
	Status      SessionStatus
	Lines       []Line
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Line compares one stock level against a manual count. SystemQuantity is the
// snapshot taken at session creation, never re-read afterwards.
type Line struct {
	ID              int64
	SessionID       int64
	ProductID       int64
	VariantID       int64
	LocationID      int64
	SystemQuantity  int64
	CountedQuantity *int64
	Variance        int64
}

// CommitResult summarises a commit: lines turned into movements vs skipped.
type CommitResult struct {
	Committed int
	Skipped   int
}

// InvalidStateError reports an operation attempted against a session whose
// status forbids it.
type InvalidStateError struct {
	SessionID int64
	Status    SessionStatus
	Action    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cyclecount: cannot %s session %d in status %s", e.Action, e.SessionID, e.Status)
}

var (
	// ErrNotFound indicates a missing session or line.
	ErrNotFound = errors.New("cyclecount: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("cyclecount: invalid input")
)
