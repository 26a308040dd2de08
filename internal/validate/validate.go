// Package validate implements the validator & sanitizer (spec §4.F):
// structural checks the orchestrator runs against each client event before
// fanning it out, plus a recursive payload sanitizer.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// eventNameRe matches the allowed event name alphabet: letters, digits,
// dot, underscore, hyphen. The client- prefix is a plain substring of this
// alphabet, so it needs no special case here.
var eventNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const maxEventNameLength = 100

// Func is a user-supplied validator appended after the defaults. It
// receives the decoded frame fields and returns a non-nil error to reject.
type Func func(event string, channel string, data json.RawMessage) error

// Validator runs the default event-name checks (present, at most 100
// characters, allowed alphabet) followed by any registered Func validators,
// in order. The channel is not checked by the defaults.
type Validator struct {
	extra []Func
}

// New creates a validator with only the default checks active.
func New() *Validator {
	return &Validator{}
}

// Append registers an additional validator run after the defaults.
func (v *Validator) Append(fn Func) {
	v.extra = append(v.extra, fn)
}

// ErrMissingEvent is returned when a frame's event field is absent or not
// a string — checked upstream by protocol.ParseIn already, but re-asserted
// here so Validator can run standalone against arbitrary decoded maps.
var ErrMissingEvent = fmt.Errorf("validate: event field missing or not a string")

// Validate runs every check against a frame. event must already be
// non-empty (protocol.ParseIn guarantees this); channel may be empty.
func (v *Validator) Validate(event string, channel string, data json.RawMessage) error {
	if event == "" {
		return ErrMissingEvent
	}
	if len(event) > maxEventNameLength {
		return fmt.Errorf("validate: event name exceeds %d characters", maxEventNameLength)
	}
	if !eventNameRe.MatchString(event) {
		return fmt.Errorf("validate: event name %q contains disallowed characters", event)
	}

	for _, fn := range v.extra {
		if err := fn(event, channel, data); err != nil {
			return err
		}
	}
	return nil
}
