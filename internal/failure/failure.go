// Package failure defines the error taxonomy shared by discovery and tunnels.
//
// Every Kind is itself an error, so callers classify a failure with errors.Is:
//
//	if errors.Is(err, failure.PortInUse) { ... }
//
// Concrete failures are *Error values carrying the kind together with the host
// and local port involved, so a caller can always report which resource is
// affected.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	HostUnreachable    Kind = "host_unreachable"
	AuthFailed         Kind = "auth_failed"
	Timeout            Kind = "timeout"
	ProtocolError      Kind = "protocol_error"
	PortInUse          Kind = "port_in_use"
	CleanupUnconfirmed Kind = "cleanup_unconfirmed"
)

// Error implements the error interface so a Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Host   string // host alias, if any
	Port   int    // local port, if any
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Host != "" {
		fmt.Fprintf(&b, " host=%s", e.Host)
	}
	if e.Port != 0 {
		fmt.Fprintf(&b, " port=%d", e.Port)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of this failure.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// MarshalJSON renders the failure for reports and the status API.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Host    string `json:"host,omitempty"`
		Port    int    `json:"port,omitempty"`
		Message string `json:"message"`
	}{e.Kind, e.Host, e.Port, e.Error()})
}

// New returns a failure of the given kind with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap returns a failure of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// WithHost returns a copy of e tagged with the host alias.
func (e *Error) WithHost(host string) *Error {
	c := *e
	c.Host = host
	return &c
}

// WithPort returns a copy of e tagged with the local port.
func (e *Error) WithPort(port int) *Error {
	c := *e
	c.Port = port
	return &c
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty Kind if err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
