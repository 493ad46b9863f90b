// Package fwerr defines the error taxonomy shared by the update pipeline,
// matching the dispositions in spec §7: each terminal Kind is caught at a
// known scope (package, device, or component) and turned into exactly one
// outcome there.
package fwerr

import (
	"errors"
	"fmt"
)

// Kind classifies where in the pipeline an error originated, and therefore
// how wide its blast radius is.
type Kind string

const (
	// PackageInvalid means the parser or signature verifier rejected the
	// package outright; no device is touched.
	PackageInvalid Kind = "package_invalid"

	// NoMatch means the matcher found no endpoint for any device record;
	// the package is left Ready with nothing to activate.
	NoMatch Kind = "no_match"

	// TransportTimeout means an outbound request never received a
	// matching response within its deadline.
	TransportTimeout Kind = "transport_timeout"

	// DecodeFailure means a response or inbound request could not be
	// decoded as a well-formed PLDM message.
	DecodeFailure Kind = "decode_failure"

	// DeviceRejected means the device replied with a non-success
	// completion code, or a non-zero component-compatibility response
	// other than COMPARISON_STAMP_IDENTICAL.
	DeviceRejected Kind = "device_rejected"

	// CommandNotExpected means an inbound request arrived in a state that
	// does not accept it; the caller replies COMMAND_NOT_EXPECTED and
	// makes no state transition.
	CommandNotExpected Kind = "command_not_expected"
)

// Error wraps an underlying cause with a Kind and the scope it applies to.
type Error struct {
	Kind  Kind
	Scope string // e.g. "package", "eid 12 component 3"
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Scope, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Scope)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind and scope.
func New(kind Kind, scope string, err error) *Error {
	return &Error{Kind: kind, Scope: scope, Err: err}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == kind
}
