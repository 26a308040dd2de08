// Package protocol implements the frame codec (spec §4.E): parsing inbound
// JSON text frames into a tagged variant and rendering outbound frames back
// to JSON. Representing inbound frames as a tagged variant rather than a
// single weakly-typed map makes the parser double as the validator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// InKind tags the type of an inbound client frame.
type InKind int

const (
	Unknown InKind = iota
	Subscribe
	Unsubscribe
	BatchSubscribe
	BatchUnsubscribe
	Ping
	Heartbeat
	Ack
	ClientEvent
)

// In is the parsed form of one inbound frame. Only the fields relevant to
// Kind are populated; the zero value of the rest is meaningless.
type In struct {
	Kind InKind

	Event       string // raw event name, always set
	Channel     string
	ChannelData json.RawMessage
	Channels    []string
	MessageID   string
	Data        json.RawMessage
	Timestamp   *int64
	Ack         bool // true when the frame carries ack:true, independent of Kind
}

// wireIn mirrors the raw JSON shape before it is classified into In.
type wireIn struct {
	Event       string          `json:"event"`
	Channel     string          `json:"channel,omitempty"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
	Channels    []string        `json:"channels,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   *int64          `json:"timestamp,omitempty"`
	Ack         bool            `json:"ack,omitempty"`
}

// ParseIn decodes a raw inbound text frame and classifies it. A syntactically
// valid JSON object with an unrecognized event name parses to Kind=Unknown
// rather than erroring, since unknown events may still carry client-* frames
// the validator downstream must reject on their own grounds.
func ParseIn(raw []byte) (In, error) {
	var w wireIn
	if err := json.Unmarshal(raw, &w); err != nil {
		return In{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if w.Event == "" {
		return In{}, fmt.Errorf("protocol: frame missing event field")
	}

	f := In{
		Event:       w.Event,
		Channel:     w.Channel,
		ChannelData: w.ChannelData,
		Channels:    w.Channels,
		MessageID:   w.MessageID,
		Data:        w.Data,
		Timestamp:   w.Timestamp,
		Ack:         w.Ack,
	}

	switch w.Event {
	case "subscribe":
		f.Kind = Subscribe
	case "unsubscribe":
		f.Kind = Unsubscribe
	case "batch_subscribe":
		f.Kind = BatchSubscribe
	case "batch_unsubscribe":
		f.Kind = BatchUnsubscribe
	case "ping":
		f.Kind = Ping
	case "heartbeat", "presence_heartbeat":
		f.Kind = Heartbeat
	case "ack":
		f.Kind = Ack
	default:
		if isClientEvent(w.Event) {
			f.Kind = ClientEvent
		} else {
			f.Kind = Unknown
		}
	}
	return f, nil
}

func isClientEvent(event string) bool {
	const prefix = "client-"
	return len(event) > len(prefix) && event[:len(prefix)] == prefix
}

// Out is a server-to-client frame, rendered as JSON text.
type Out struct {
	Event     string `json:"event"`
	Channel   string `json:"channel,omitempty"`
	Data      any    `json:"data,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Ack       bool   `json:"ack,omitempty"`
}

// Render serializes an outbound frame to its JSON text form.
func Render(o Out) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("protocol: render frame: %w", err)
	}
	return b, nil
}

// PresenceData is the data payload for a presence channel's
// subscription_succeeded frame.
type PresenceData struct {
	Presence PresenceInfo `json:"presence"`
}

// PresenceInfo mirrors channel.PresenceInfo without importing the channel
// package, so protocol stays a leaf in the dependency graph.
type PresenceInfo struct {
	IDs   []any          `json:"ids"`
	Hash  map[string]any `json:"hash"`
	Count int            `json:"count"`
}

// SubscriptionError is the data payload for a subscription_error frame.
type SubscriptionError struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// ErrorData is the data payload for a generic error frame. RetryAfter, when
// set, is a Unix-epoch second timestamp after which the client may retry.
type ErrorData struct {
	Type       string `json:"type"`
	Error      string `json:"error"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

// ConnectionEstablished is the data payload sent immediately after upgrade.
type ConnectionEstablished struct {
	SocketID       string `json:"socket_id"`
	ActivityTimeout int   `json:"activity_timeout"`
}
