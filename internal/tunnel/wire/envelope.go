// Package wire implements the versioned tunnel message envelope of
// spec §4.7/§6: a fixed 16-bit protocol version header followed by a
// JSON body, with two schema variants (`mk1`, `mk2`) selected by the
// version the peer advertised during the WebSocket handshake. mk1 is
// kept only for backward compatibility with runners that haven't
// upgraded, per the "protocol evolution" design note.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ProtocolVersion distinguishes the two envelope schema generations a
// runner or gateway can speak.
type ProtocolVersion uint16

const (
	// Mk1 is the older schema: it carries message acks as an inline
	// field on the next outbound message rather than a standalone
	// TunnelAck frame, to avoid doubling message volume on links that
	// predate the ack protocol becoming a first-class message kind.
	Mk1 ProtocolVersion = 1
	// Mk2 is the current schema: every message kind, including acks,
	// is a standalone envelope.
	Mk2 ProtocolVersion = 2
)

// MessageKind enumerates the tunnel's message kinds (§4.7/§4.8).
type MessageKind string

const (
	KindToServerInit       MessageKind = "to_server_init"
	KindToClientInit       MessageKind = "to_client_init"
	KindToServerCommands   MessageKind = "to_server_commands"
	KindToClientCommands   MessageKind = "to_client_commands"
	KindToServerHTTPStart  MessageKind = "to_server_http_start"
	KindToClientHTTPStart  MessageKind = "to_client_http_start"
	KindToServerHTTPBody   MessageKind = "to_server_http_body"
	KindToClientHTTPBody   MessageKind = "to_client_http_body"
	KindToServerWSMessage  MessageKind = "to_server_ws_message"
	KindToClientWSMessage  MessageKind = "to_client_ws_message"
	KindToServerKvRequest  MessageKind = "to_server_kv_request"
	KindToClientKvResponse MessageKind = "to_client_kv_response"
	KindKvErrorResponse    MessageKind = "kv_error_response"
	KindTunnelAck          MessageKind = "tunnel_ack"
	KindHibernateHandoff   MessageKind = "hibernate_handoff"
)

// Envelope is the decoded form of every tunnel frame. GatewayReplyTo
// is present only on the first message for a request, per §4.7.
type Envelope struct {
	Version        ProtocolVersion
	RequestID      string
	MessageID      string
	GatewayReplyTo string          `json:",omitempty"`
	Kind           MessageKind
	Body           json.RawMessage
	// InlineAck carries the message_id being acked, valid only under
	// Mk1 where a standalone TunnelAck frame is not sent; the ack
	// rides on the next outbound message for the same request instead.
	InlineAck string `json:",omitempty"`
}

const versionHeaderLen = 2

// Encode serializes env as a binary WebSocket frame: a 2-byte
// big-endian version header followed by the JSON body. mk1 peers and
// mk2 peers share this framing; only the body's InlineAck convention
// differs, decided by the caller before building env.
func Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	out := make([]byte, versionHeaderLen+len(body))
	binary.BigEndian.PutUint16(out[:versionHeaderLen], uint16(env.Version))
	copy(out[versionHeaderLen:], body)
	return out, nil
}

// Decode parses a binary WebSocket frame into an Envelope.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) < versionHeaderLen {
		return Envelope{}, fmt.Errorf("wire: frame shorter than version header")
	}
	var env Envelope
	if err := json.Unmarshal(frame[versionHeaderLen:], &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope body: %w", err)
	}
	env.Version = ProtocolVersion(binary.BigEndian.Uint16(frame[:versionHeaderLen]))
	return env, nil
}

// ToServerInit is the runner's first message on connect (§6).
type ToServerInit struct {
	Name                   string
	Version                uint32
	TotalSlots             uint32
	Metadata               map[string]string `json:",omitempty"`
	PrepopulateActorNames  []string          `json:",omitempty"`
	ProtocolVersion        ProtocolVersion
}

// ToClientInit is the server's reply to ToServerInit (§6).
type ToClientInit struct {
	RunnerID string
	Metadata ToClientInitMetadata
}

// ToClientInitMetadata carries the runner-facing policy constants.
type ToClientInitMetadata struct {
	RunnerLostThreshold           int64
	ActorStopThreshold            int64
	ServerlessDrainGracePeriod    *int64 `json:",omitempty"`
}

// ToServerKvRequest is a runner-initiated per-actor KV operation
// tunneled through the gateway (§4.7/§4.8).
type ToServerKvRequest struct {
	ActorID   string
	RequestID string
	Data      json.RawMessage
}

// ToClientKvResponse wraps either a successful KV response or a
// KvErrorResponse, distinguished by Kind on the enclosing Envelope.
type ToClientKvResponse struct {
	RequestID string
	Data      json.RawMessage
}

// KvErrorResponse reports a failed KV-over-tunnel operation.
type KvErrorResponse struct {
	RequestID string
	Message   string
}

// TunnelAck acknowledges receipt of MessageID, letting the sender's
// pending buffer for RequestID drop the entry (§4.7, testable property
// 11).
type TunnelAck struct {
	RequestID string
	MessageID string
}

// HTTPStartPayload carries a tunneled HTTP exchange's head: request
// line and headers when riding a KindToClientHTTPStart envelope,
// status and headers when riding a KindToServerHTTPStart reply.
type HTTPStartPayload struct {
	Method  string              `json:",omitempty"`
	Path    string              `json:",omitempty"`
	Headers map[string][]string `json:",omitempty"`
	Status  int                 `json:",omitempty"`
}

// BodyChunk carries one chunk of a tunneled HTTP body, or a single
// WebSocket frame when Binary/text is all that's needed. Final marks
// the last chunk of a body stream; it is unused for WS frames.
type BodyChunk struct {
	Data   []byte `json:",omitempty"`
	Binary bool   `json:",omitempty"`
	Final  bool   `json:",omitempty"`
}
