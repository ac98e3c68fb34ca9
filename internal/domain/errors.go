package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrForbidden    = errors.New("actor is not an administrator")
	ErrUnauthorized = errors.New("no authenticated actor")
	// ErrInvalidTransition is returned by the store when a request is no
	// longer in a status the action is allowed from.
	ErrInvalidTransition = errors.New("request status does not allow this action")
	ErrInUse             = errors.New("fleet item is referenced by rental requests")
)

// FetchError reports a failed read of one collection. The previously cached
// value keeps serving.
type FetchError struct {
	Collection Collection
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Collection, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MutationError reports a failed remote mutation. The optimistic patch for it
// has already been rolled back when the caller sees this error.
type MutationError struct {
	Action    ActionType
	TargetIDs []string
	Message   string
	Err       error
}

func (e *MutationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s [%s]: %s", e.Action, strings.Join(e.TargetIDs, ","), msg)
}

func (e *MutationError) Unwrap() error { return e.Err }

// ChannelError reports a push subscription that failed, timed out or closed.
type ChannelError struct {
	Topic string
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Topic, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ValidationError rejects caller input before any state mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}
