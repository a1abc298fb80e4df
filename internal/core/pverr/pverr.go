// Package pverr classifies failures of the Video Tunnel client so callers
// can decide what is retryable, what is fatal, and what is just noise.
package pverr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind int

const (
	// KindConfig means the credentials or configuration are unusable.
	// Fatal; never retried.
	KindConfig Kind = iota
	// KindAuth means the server rejected our handshake or session.
	KindAuth
	// KindConnectivity means the retry budget for network failures is exhausted.
	KindConnectivity
	// KindTransient means a recoverable failure (5xx, dropped poll).
	KindTransient
	// KindProtocol means the server answered with something we cannot parse.
	KindProtocol
	// KindValidation means a command carried bad parameters.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindConnectivity:
		return "connectivity"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
