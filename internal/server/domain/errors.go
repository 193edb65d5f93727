package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInvitation      = errors.New("invalid invitation")
	ErrDuplicateCode          = errors.New("invitation code already exists")
	ErrInvitationNotFound     = errors.New("invitation does not exist")
	ErrInvitationExpired      = errors.New("invitation expired")
	ErrInvitationRevoked      = errors.New("invitation revoked")
	ErrInvitationLimitReached = errors.New("invitation usage limit reached")
	// ErrConflict is returned by InvitationRepository.Save when the stored
	// record changed after it was read.
	ErrConflict = errors.New("invitation modified concurrently")
)

// NotUsableError reports a redemption attempt against an invitation whose
// effective status does not allow it.
type NotUsableError struct {
	Code   string
	Status Status
}

func (e *NotUsableError) Error() string {
	return fmt.Sprintf("invitation '%s' is %s and cannot be used", e.Code, e.Status)
}

// Unwrap exposes the error kind matching the status, so callers can use
// errors.Is(err, ErrInvitationExpired) and friends.
func (e *NotUsableError) Unwrap() error {
	switch e.Status {
	case StatusExpired:
		return ErrInvitationExpired
	case StatusRevoked:
		return ErrInvitationRevoked
	case StatusUsedUp:
		return ErrInvitationLimitReached
	}
	return nil
}
