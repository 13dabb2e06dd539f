package models

import (
	"errors"
	"fmt"
)

// Error classes. Every failure returned to a client wraps exactly one of these.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrTransient       = errors.New("transient failure")
)

var (
	ErrInvalidRoomID    = fmt.Errorf("%w: room id is required", ErrValidation)
	ErrInvalidMessageID = fmt.Errorf("%w: message id is required", ErrValidation)
	ErrEmptyContent     = fmt.Errorf("%w: content must not be empty", ErrValidation)
	ErrContentTooLong   = fmt.Errorf("%w: content exceeds %d characters", ErrValidation, MaxContentLength)
	ErrRoomNotFound     = fmt.Errorf("room %w", ErrNotFound)
	ErrMessageNotFound  = fmt.Errorf("message %w", ErrNotFound)
	ErrNotParticipant   = fmt.Errorf("%w: not a room participant", ErrForbidden)
	ErrNotAuthor        = fmt.Errorf("%w: only the author may modify this message", ErrForbidden)
	ErrNotJoined        = fmt.Errorf("%w: connection has not joined this room", ErrForbidden)
)
