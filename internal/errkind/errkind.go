// Package errkind tags render errors with the kind that decides whether a
// render aborts or recovers.
package errkind

import (
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

const (
	// Configuration errors are fatal: channel budget unsatisfiable, invalid sample rate.
	Configuration ftag.Kind = "CONFIGURATION"
	// Resource errors are fatal: synthesis engine or patch bank failed to load.
	Resource ftag.Kind = "RESOURCE"
	// Data errors are recoverable per record, fatal for the tempo map.
	Data ftag.Kind = "DATA"
	// Degenerate marks a silent render (zero peak amplitude). It is reported,
	// never returned.
	Degenerate ftag.Kind = "DEGENERATE"
	// Timeout marks a synthesis block request that exceeded its deadline.
	Timeout ftag.Kind = "TIMEOUT"
)

// New returns a tagged error with the given message.
func New(kind ftag.Kind, msg string) error {
	return fault.New(msg, ftag.With(kind))
}

// Wrap tags err with kind and a context message. It returns nil for a nil err.
func Wrap(err error, kind ftag.Kind, msg string) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(err, ftag.With(kind), fmsg.With(msg))
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind ftag.Kind) bool {
	if err == nil {
		return false
	}
	if ftag.Get(err) == kind {
		return true
	}
	return Is(errors.Unwrap(err), kind)
}
