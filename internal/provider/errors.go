package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies why a fetch failed
type Kind int

const (
	KindUnreachable Kind = iota
	KindTimeout
	KindRateLimited
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	default:
		return "unreachable"
	}
}

type Error struct {
	Kind       Kind
	Source     string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request soon may succeed
func (e *Error) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnreachable
}

// IsKind reports whether err carries a provider error of the given kind
func IsKind(err error, kind Kind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}

// IsTransient reports whether err is a provider error worth retrying
func IsTransient(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Transient()
}

// classify maps a transport error from http.Client.Do
func classify(source string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Source: source, Err: err}
	}
	return &Error{Kind: KindUnreachable, Source: source, Err: err}
}
