package composite

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMembers is returned when a composite is built without members.
	ErrNoMembers = errors.New("composite: no members")

	// ErrInvalidScene is returned when selecting a scene outside the room's candidates.
	ErrInvalidScene = errors.New("composite: invalid scene")
)

// MemberError records one member's failure during a fan-out.
type MemberError struct {
	MemberID string
	Err      error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("member %s: %v", e.MemberID, e.Err)
}

func (e *MemberError) Unwrap() error {
	return e.Err
}
