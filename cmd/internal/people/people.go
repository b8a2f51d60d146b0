// Package people exposes the user-facing collaborators consumed by direct messaging:
// display-name lookup and the negative-relationship (block) list.
//
// Users and relationships are owned by another subsystem; this package only reads them
// (the in-memory store also offers setters for dev mode and tests).
package people

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when a user has no directory entry.
var ErrUserNotFound = errors.New("people: user not found")

// Directory resolves display names.
type Directory interface {
	GetDisplayName(ctx context.Context, userID int64) (string, error)
}

// Relationships answers block-list questions.
type Relationships interface {
	// IsBlocked reports whether a negative relationship exists between a and b in either direction.
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
}
