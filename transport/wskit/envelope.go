// Package wskit carries bridge traffic over a single WebSocket
// connection. Every message is one CBOR-encoded Envelope; call
// request/response pairs, events, stream frames and control operations
// are multiplexed on the same connection. Stream backpressure crosses the
// wire as a credit window: the consumer grants credits and the server
// sends at most that many unacknowledged frames.
package wskit

import (
	"fmt"

	"github.com/halloway/gantry/bridge"
	"github.com/halloway/gantry/wire"
)

// EnvelopeKind discriminates the multiplexed message types.
type EnvelopeKind string

const (
	KindCall     EnvelopeKind = "call"
	KindResponse EnvelopeKind = "response"
	KindEvent    EnvelopeKind = "event"
	KindFrame    EnvelopeKind = "frame"
	KindControl  EnvelopeKind = "control"
)

// Envelope is the unit framed onto the WebSocket. Exactly one payload
// field is set, selected by Kind.
type Envelope struct {
	Kind     EnvelopeKind         `cbor:"kind"`
	Call     *bridge.CallRequest  `cbor:"call,omitempty"`
	Response *bridge.CallResponse `cbor:"response,omitempty"`
	Event    *EventMsg            `cbor:"event,omitempty"`
	Frame    *FrameMsg            `cbor:"frame,omitempty"`
	Control  *ControlMsg          `cbor:"control,omitempty"`
}

// EventMsg is one event delivery to one subscriber.
type EventMsg struct {
	SubID   string     `cbor:"sub"`
	Name    string     `cbor:"name"`
	Seq     uint64     `cbor:"seq"`
	Payload wire.Value `cbor:"payload"`
	Dropped uint64     `cbor:"dropped,omitempty"`
}

// FrameMsg is one stream frame, or a stream termination marker.
type FrameMsg struct {
	StreamID string        `cbor:"stream"`
	Seq      uint64        `cbor:"seq,omitempty"`
	Payload  *wire.Value   `cbor:"payload,omitempty"`
	End      bool          `cbor:"end,omitempty"` // clean end of stream
	Err      *bridge.Error `cbor:"error,omitempty"`
}

// ControlOp is a session-management operation.
type ControlOp string

const (
	OpSubscribe   ControlOp = "subscribe"
	OpUnsubscribe ControlOp = "unsubscribe"
	OpOpenStream  ControlOp = "open-stream"
	OpCloseStream ControlOp = "close-stream"
	OpCredit      ControlOp = "credit"
	OpBye         ControlOp = "bye"
)

// ControlMsg requests a control operation. Ops carrying an ID are
// acknowledged with a Response envelope under the same ID.
type ControlMsg struct {
	ID       string    `cbor:"id,omitempty"`
	Op       ControlOp `cbor:"op"`
	Name     string    `cbor:"name,omitempty"`
	SubID    string    `cbor:"sub,omitempty"`
	StreamID string    `cbor:"stream,omitempty"`
	Backlog  int       `cbor:"backlog,omitempty"`
	Credit   int       `cbor:"credit,omitempty"`
}

// MarshalEnvelope serializes an envelope to CBOR bytes.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	return wire.Marshal(env)
}

// UnmarshalEnvelope deserializes an envelope from CBOR bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wskit: unmarshal envelope: %w", err)
	}
	return &env, nil
}
