package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks lookups and conditional updates that matched no
	// live record. Always wrapped with the id in question.
	ErrNotFound = errors.New("not found")

	// ErrNoteRemoved marks operations that need a non-removed note.
	ErrNoteRemoved = errors.New("note is removed")

	// ErrNoteNotRemoved marks a purge of a note that was never soft-removed.
	ErrNoteNotRemoved = errors.New("note is not removed")
)

// QuotaExceededError is returned by InsertTask when the owner already has
// the maximum number of pending tasks. The insert does not happen.
type QuotaExceededError struct {
	Owner int64
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("owner %d already has %d pending tasks", e.Owner, e.Limit)
}
