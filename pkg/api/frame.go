// Package api exposes the coordination kernel over the process boundary: a
// length-prefixed JSON RPC listener for programmatic clients and a gin HTTP
// listener for operational access (health, Prometheus metrics, REST mirrors,
// dashboard WebSockets).
package api

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/sentinelops/aegis/pkg/errs"
)

// ProtocolVersion is the wire protocol version carried in every frame.
const ProtocolVersion = 1

// MaxFrameBytes bounds a single frame body. Oversized frames are a protocol
// violation and close the connection.
const MaxFrameBytes = 4 << 20

const (
	pingInterval = 15 * time.Second
	idleTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Frame type discriminators.
const (
	FrameHello       = "hello"
	FrameCall        = "call"
	FrameResult      = "result"
	FrameError       = "error"
	FrameSubscribe   = "subscribe"
	FrameSubscribed  = "subscribed"
	FrameEvent       = "event"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
)

// Frame is one wire message: 4-byte big-endian length prefix, then this
// object as JSON. Unknown payload fields pass through untouched.
type Frame struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is the server greeting sent once per connection.
type HelloPayload struct {
	Server   string `json:"server"`
	Protocol int    `json:"protocol"`
}

// CallPayload is the body of a call frame.
type CallPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload is the body of an error frame. Code is the stable taxonomy
// code.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SubscribePayload is the body of a subscribe frame. FromSequence requests
// catch-up replay and requires exactly one incident id.
type SubscribePayload struct {
	IncidentIDs  []string `json:"incident_ids,omitempty"`
	Kinds        []string `json:"kinds,omitempty"`
	FromSequence *uint64  `json:"from_sequence,omitempty"`
}

// SubscribedPayload acknowledges a subscription.
type SubscribedPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribePayload names the subscription to drop.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// SubmitAlertParams is the alert.submit request.
type SubmitAlertParams struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitAlertResult acks an accepted alert.
type SubmitAlertResult struct {
	IncidentID string `json:"incident_id"`
	Created    bool   `json:"created"`
}

// IncidentParams addresses one incident.
type IncidentParams struct {
	IncidentID string `json:"incident_id"`
}

// AckResult is the generic success body for side-effect calls.
type AckResult struct {
	Status string `json:"status"`
}

// WriteFrame marshals f and writes it with the length prefix.
func WriteFrame(w io.Writer, f Frame) error {
	if f.V == 0 {
		f.V = ProtocolVersion
	}
	body, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshal frame", err)
	}
	if len(body) > MaxFrameBytes {
		return errs.Newf(errs.Validation, "frame of %d bytes exceeds limit", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return Frame{}, errs.Newf(errs.Validation, "frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, errs.Wrap(errs.Validation, "malformed frame", err)
	}
	return f, nil
}

// errorPayload maps any error onto the wire error body.
func errorPayload(err error) ErrorPayload {
	kind := errs.KindOf(err)
	return ErrorPayload{
		Code:    kind.Code(),
		Kind:    kind.String(),
		Message: err.Error(),
	}
}
