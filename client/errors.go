package client

import (
	"errors"
	"fmt"

	"go.arsenm.dev/subrpc/internal/subscription"
)

// Client error values
var (
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client closed")
	ErrNotReady       = errors.New("client is not ready")
	ErrAlreadyStarted = errors.New("client already started")
	ErrInvalidResult  = errors.New("subscribe result is not a valid subscription identifier")
	ErrReservedMethod = errors.New("subscription methods must be called through Subscribe and Unsubscribe")
	ErrEmptyTopic     = errors.New("topic must not be empty")
)

// Subscription state errors, returned wrapped in a *StateError
var (
	ErrAlreadySubscribing         = subscription.ErrAlreadySubscribing
	ErrAlreadySubscribed          = subscription.ErrAlreadySubscribed
	ErrUnknownSubscriptionRequest = subscription.ErrUnknownSubscriptionRequest
	ErrNotSubscribed              = subscription.ErrNotSubscribed
)

// TransportError is returned when the connection could not be
// established, or failed while a call was outstanding
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Reasons a frame can be dropped for
const (
	ReasonMalformed    = "malformed"
	ReasonUnknownID    = "unknown_id"
	ReasonUncorrelated = "uncorrelated_error"
)

// ProtocolError describes a frame that was dropped because it
// could not be decoded or correlated. Protocol errors are never
// returned to callers, they are only reported.
type ProtocolError struct {
	Reason string
	Detail string
	ID     any
	Raw    []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StateError is returned when an operation is not valid in
// the current state of the client or of a subscription
type StateError struct {
	Op    string
	Topic string
	Err   error
}

func (e *StateError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}
