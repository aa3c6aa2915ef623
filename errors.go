package stateres

import (
	"errors"
	"fmt"
)

// ErrUnsupportedRoomVersion is returned when Resolve or AuthCheck is asked
// to operate under a room version the core doesn't know the rules for.
var ErrUnsupportedRoomVersion = errors.New("stateres: unsupported room version")

// ErrCycleDetected is returned by the topological sort when the input
// subgraph's indegrees never drain to zero, i.e. the auth-event edges form a
// cycle. Honest servers never produce this; it indicates adversarial or
// corrupt input.
var ErrCycleDetected = errors.New("stateres: cycle detected in auth-event graph")

// EventNotFoundError is returned when the resolver needs an event the fetch
// function doesn't know about.
type EventNotFoundError struct {
	EventID string
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("stateres: event not found: %s", e.EventID)
}

// InvalidEventError is returned by the auth rule engine when an event's
// content can't be parsed into the shape a rule needs (power_levels content
// that is not valid JSON or whose users/events are not objects, a missing
// required field). A power_levels value that is not an integer is not
// reported this way: parsePowerLevelContent skips it and the field's
// default applies. During replay this is
// handled as a denial rather than surfaced as a fatal error from Resolve;
// AuthCheck returns it directly to callers validating a single event.
type InvalidEventError struct {
	EventID string
	Reason  string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("stateres: invalid event %s: %s", e.EventID, e.Reason)
}

// authDenial represents a non-fatal "no" from the auth rule engine: the
// event is simply not adopted into state. It is never returned across the
// package boundary from Resolve, only from allowed/AuthCheck.
type authDenial struct {
	reason string
}

func (d *authDenial) Error() string {
	return "denied: " + d.reason
}

func denyf(format string, args ...interface{}) error {
	return &authDenial{reason: fmt.Sprintf(format, args...)}
}

// IsDenial reports whether err represents an authorization denial as opposed
// to a fatal error (an event the fetch function doesn't know about). An
// InvalidEventError counts as a denial here: replay drops an event whose
// content the auth rules can't parse the same way it drops one the rules
// reject outright, rather than aborting the whole resolution over it.
func IsDenial(err error) bool {
	var d *authDenial
	if errors.As(err, &d) {
		return true
	}
	var i *InvalidEventError
	return errors.As(err, &i)
}
