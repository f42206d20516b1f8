package proxy

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies how a dispatched call failed.
type ErrorKind int

const (
	KindRemoteRejected ErrorKind = iota + 1
	KindTimeout
	KindTransportLost
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindRemoteRejected:
		return "remote-rejected"
	case KindTimeout:
		return "timeout-expired"
	case KindTransportLost:
		return "transport-lost"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrDispatch wraps every error returned synchronously by a dispatch: the
// call never left the process and its completion will not run.
var ErrDispatch = errors.New("proxy: dispatch failed")

// Sentinels for errors.Is against a completion error.
var (
	ErrRemoteRejected = &Error{Kind: KindRemoteRejected}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrTransportLost  = &Error{Kind: KindTransportLost}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

// Error is the failure half of an Outcome.
type Error struct {
	Kind ErrorKind
	// Name is the remote error name for KindRemoteRejected.
	Name    string
	Message string
	// Elapsed is set for KindTimeout.
	Elapsed time.Duration
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemoteRejected:
		if e.Message == "" {
			return e.Name
		}
		return e.Name + ": " + e.Message
	case KindTimeout:
		return fmt.Sprintf("call timed out after %s", e.Elapsed)
	default:
		if e.Message == "" {
			return e.Kind.String()
		}
		return e.Kind.String() + ": " + e.Message
	}
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf reports the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Outcome is delivered to a Completion exactly once per dispatched call.
type Outcome struct {
	Value any
	Err   *Error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Failure returns the failure as an error interface, nil on success.
func (o Outcome) Failure() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

type Completion func(Outcome)

// Decoder turns a reply body into the capability's result value. A body it
// rejects is counted as an anomaly and the call is left to expire, so a call
// registered with NoTimeout then stays pending until it is cancelled or the
// session closes.
type Decoder func(body []any) (any, error)

func failure(kind ErrorKind, message string) Outcome {
	return Outcome{Err: &Error{Kind: kind, Message: message}}
}
