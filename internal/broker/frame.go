// Package broker implements the conversation broker: membership-checked
// send admission, per-conv_id ordered fan-out, subscribe/replay, and ack
// bookkeeping shared by both transports.
package broker

import "encoding/json"

// ProtocolVersion is the only frame envelope version this gateway accepts.
const ProtocolVersion = 1

// Frame types, matching the wire envelope's "t" field.
const (
	TypeSessionStart   = "session.start"
	TypeSessionResume  = "session.resume"
	TypeSessionReady   = "session.ready"
	TypeConvSubscribe  = "conv.subscribe"
	TypeConvSend       = "conv.send"
	TypeConvAcked      = "conv.acked"
	TypeConvEvent      = "conv.event"
	TypeConvAck        = "conv.ack"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
	TypePresenceUpdate = "presence.update"
)

// Stable error codes from the wire protocol.
const (
	CodeUnauthorized         = "unauthorized"
	CodeResumeFailed         = "resume_failed"
	CodeForbidden            = "forbidden"
	CodeInvalidRequest       = "invalid_request"
	CodeNotFound             = "not_found"
	CodeRateLimited          = "rate_limited"
	CodeUnsupportedVersion   = "unsupported_version"
	CodeReplayWindowExceeded = "replay_window_exceeded"
	CodeBlocked              = "blocked"
	CodeInternalError        = "internal_error"
)

// Envelope is the frame envelope carried on both transports:
// {v:1, t:string, id?:string, ts?:u64, body:{...}}. Unknown fields are
// ignored by json.Unmarshal by default.
type Envelope struct {
	V    int             `json:"v"`
	T    string          `json:"t"`
	ID   string          `json:"id,omitempty"`
	TS   uint64          `json:"ts,omitempty"`
	Body json.RawMessage `json:"body"`
}

// ErrorBody is the body of a `t:"error"` frame.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterS  int    `json:"retry_after_s,omitempty"`
	EarliestSeq  uint64 `json:"earliest_seq,omitempty"`
	LatestSeq    uint64 `json:"latest_seq,omitempty"`
}

// NewErrorEnvelope builds an `error` frame correlated to correlationID (the
// id of the frame that triggered it, if any).
func NewErrorEnvelope(correlationID string, body ErrorBody) *Envelope {
	raw, _ := json.Marshal(body)
	return &Envelope{V: ProtocolVersion, T: TypeError, ID: correlationID, Body: raw}
}

// SessionReadyBody is the body of a `session.ready` frame.
type SessionReadyBody struct {
	SessionToken string           `json:"session_token"`
	ResumeToken  string           `json:"resume_token"`
	ExpiresAt    int64            `json:"expires_at"`
	Cursors      []CursorEntry    `json:"cursors"`
}

// CursorEntry is one entry of session.ready's cursors array.
type CursorEntry struct {
	ConvID  string `json:"conv_id"`
	NextSeq uint64 `json:"next_seq"`
}

// ConvEventBody is the body of a `conv.event` frame.
type ConvEventBody struct {
	ConvID        string `json:"conv_id"`
	Seq           uint64 `json:"seq"`
	MsgID         string `json:"msg_id"`
	Env           []byte `json:"env"`
	OriginGateway string `json:"origin_gateway,omitempty"`
	ConvHome      string `json:"conv_home,omitempty"`
}

// ConvAckedBody is the body of a `conv.acked` frame.
type ConvAckedBody struct {
	ConvID string `json:"conv_id"`
	MsgID  string `json:"msg_id"`
	Seq    uint64 `json:"seq"`
}

// NewFrame marshals a typed body into an Envelope with type t, optionally
// correlated to id.
func NewFrame(t, id string, body interface{}) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{V: ProtocolVersion, T: t, ID: id, Body: raw}, nil
}
