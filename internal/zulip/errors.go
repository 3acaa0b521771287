package zulip

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("zulip: invalid config")
	ErrDependencyMissing = errors.New("zulip: tls transport unavailable")
	ErrTransport         = errors.New("zulip: transport failure")
)

// DependencyMissingError is returned by New when the TLS transport cannot be
// set up. The notifier is not usable.
type DependencyMissingError struct {
	What string
	Err  error
}

func (e *DependencyMissingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("zulip: %s is required: %v", e.What, e.Err)
	}
	return fmt.Sprintf("zulip: %s is required", e.What)
}

func (e *DependencyMissingError) Unwrap() error { return e.Err }

func (e *DependencyMissingError) Is(target error) bool { return target == ErrDependencyMissing }

// TransportError reports a failed dial or write. Op is "dial" or "write".
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("zulip: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
