package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Class classifies the outcome of a single upstream attempt. The class
// decides whether the breaker counts the attempt and whether the gateway
// keeps failing over.
type Class int

const (
	ClassSuccess Class = iota
	ClassTimeout
	ClassRateLimited
	ClassServerError
	ClassClientError
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerError:
		return "server_error"
	case ClassClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Transient reports whether the class represents a provider-side fault
// that failover can route around. Client errors are permanent: the same
// request would fail identically everywhere.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassRateLimited, ClassServerError:
		return true
	default:
		return false
	}
}

// TransportError is the classified failure returned by a Transport.
type TransportError struct {
	Class  Class
	Status int // upstream HTTP status, 0 when none
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps an attempt error to its outcome class. Transports return
// *TransportError with the class already decided; anything else is
// classified by shape: deadline and cancellation are timeouts, the rest
// are server-side faults.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}

	return ClassServerError
}
