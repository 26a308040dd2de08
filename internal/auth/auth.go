// Package auth implements the authorizer (spec §4.C): a registry of
// {pattern, callback} rules consulted whenever a socket attempts to
// subscribe to a private or presence channel.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/odin-realtime/hub/internal/channel"
	"github.com/odin-realtime/hub/internal/connection"
	"github.com/odin-realtime/hub/internal/pattern"
)

// Decision is the outcome of running a channel's authorization rule. The
// zero value is Deny, so a forgotten return always fails closed.
type Decision struct {
	kind   decisionKind
	member channel.Member
}

type decisionKind int

const (
	deny decisionKind = iota
	allow
	allowAsPresence
)

// Allow permits the subscription.
func Allow() Decision { return Decision{kind: allow} }

// AllowAsPresence permits the subscription and attaches member as the
// presence record recorded against the subscribing socket.
func AllowAsPresence(member channel.Member) Decision {
	return Decision{kind: allowAsPresence, member: member}
}

// Deny refuses the subscription.
func Deny() Decision { return Decision{kind: deny} }

func (d Decision) allowed() bool { return d.kind == allow || d.kind == allowAsPresence }

// Callback authorizes a single subscribe attempt. params holds the
// {name}-segment captures from the matched pattern. An error return is
// treated as a server-side failure (spec: "callback throws -> ServerError"),
// distinct from a deliberate Deny.
type Callback func(ctx context.Context, conn *connection.Conn, channelName string, params map[string]string) (Decision, error)

type rule struct {
	matcher *pattern.Matcher
	fn      Callback
}

// Authorizer holds registration-ordered rules, matched first-match-wins
// against the channel name being subscribed to.
type Authorizer struct {
	rules []rule
}

// New creates an empty authorizer. Public channels never consult it; see
// Authorize.
func New() *Authorizer {
	return &Authorizer{}
}

// Register appends a rule for channel names matching template (the same
// `{name}`-segment syntax internal/pattern compiles). Rules are tried in
// registration order; the first whose pattern matches decides the result.
func (a *Authorizer) Register(template string, fn Callback) error {
	m, err := pattern.Compile(template)
	if err != nil {
		return fmt.Errorf("auth: register %q: %w", template, err)
	}
	a.rules = append(a.rules, rule{matcher: m, fn: fn})
	return nil
}

// MustRegister is Register, panicking on a malformed template. Intended for
// startup-time registration of fixed, compile-time-known templates.
func (a *Authorizer) MustRegister(template string, fn Callback) {
	if err := a.Register(template, fn); err != nil {
		panic(err)
	}
}

// ErrNoRule is returned by Authorize when no registered rule matches a
// non-public channel name. Per spec §4.C this maps to AuthError/401.
var ErrNoRule = errors.New("auth: no rule matches channel")

// ErrDenied is returned by Authorize when a matching rule's callback
// explicitly refuses the subscription (returns Deny()). Per spec §4.C this
// maps to AuthError/401, the same as ErrNoRule.
var ErrDenied = errors.New("auth: rule denied subscription")

// Authorize runs the first matching rule against channelName. Public
// channels always return Allow() without consulting any rule. A non-public
// channel with no matching rule returns ErrNoRule. A callback's own error
// return is propagated unwrapped so callers can distinguish it from
// ErrNoRule/ErrDenied (the callback's own error maps to ServerError/500,
// the other two to AuthError/401).
func (a *Authorizer) Authorize(ctx context.Context, conn *connection.Conn, channelName string) (Decision, error) {
	if channel.ClassOf(channelName) == channel.Public {
		return Allow(), nil
	}

	for _, r := range a.rules {
		params, ok := r.matcher.Match(channelName)
		if !ok {
			continue
		}
		decision, err := r.fn(ctx, conn, channelName, params)
		if err != nil {
			return Deny(), err
		}
		if !decision.allowed() {
			return Deny(), ErrDenied
		}
		return decision, nil
	}

	return Deny(), ErrNoRule
}

// Member returns the presence member attached to an AllowAsPresence
// decision. ok is false for Allow/Deny decisions.
func (d Decision) Member() (channel.Member, bool) {
	if d.kind != allowAsPresence {
		return channel.Member{}, false
	}
	return d.member, true
}
