// Package gateway implements the transport-agnostic session state machine
// and frame dispatch shared by the WebSocket and SSE/inbox transports.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/keypackage"
	"github.com/coldwire/gateway/internal/presence"
	"github.com/coldwire/gateway/internal/ratelimit"
	"github.com/coldwire/gateway/internal/session"
)

// State is one node of the per-transport session state machine:
// INIT -> AUTH_PENDING -> READY -> (CLOSING -> CLOSED).
type State int

const (
	StateInit State = iota
	StateAuthPending
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Deps bundles the gateway-wide collaborators a Session dispatches into.
type Deps struct {
	Broker      *broker.Broker
	Sessions    *session.Manager
	Presence    *presence.Service
	KeyPackages *keypackage.Directory
	RateLimit   *ratelimit.Limiter
	GatewayID   string
	Hub         *Hub
}

// Session is one transport connection's dispatch state: auth status,
// active subscriptions, and the machinery to turn inbound frames into
// outbound frames. It holds no transport-specific I/O; ws.go and sse.go
// each drive one Session via Dispatch and drain Outbound().
type Session struct {
	deps Deps

	mu           sync.Mutex
	state        State
	deviceID     string
	userID       string
	sessionToken string

	subsByConv map[string]*broker.Subscriber

	out chan *broker.Envelope

	missedPongs int
}

const outboundQueueCapacity = 256

// NewSession creates a fresh connection in the INIT state.
func NewSession(deps Deps) *Session {
	return &Session{
		deps:       deps,
		state:      StateInit,
		subsByConv: make(map[string]*broker.Subscriber),
		out:        make(chan *broker.Envelope, outboundQueueCapacity),
	}
}

// Outbound is the channel transports drain to write frames to the client.
func (s *Session) Outbound() <-chan *broker.Envelope {
	return s.out
}

func (s *Session) emit(env *broker.Envelope) {
	select {
	case s.out <- env:
	default:
		slog.Warn("dropping frame on overflowing outbound queue", "device_id", s.deviceID)
	}
}

func (s *Session) emitError(correlationID, code, message string, extra broker.ErrorBody) {
	extra.Code = code
	extra.Message = message
	env := broker.NewErrorEnvelope(correlationID, extra)
	s.emit(env)
}

// State reports the session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID reports the authenticated device, empty before READY.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Dispatch handles one inbound frame and mutates session state as needed,
// emitting any resulting frames onto Outbound(). v != 1 is rejected with
// unsupported_version and transitions to CLOSING regardless of current
// state, per the frame envelope contract.
func (s *Session) Dispatch(ctx context.Context, env *broker.Envelope) {
	if env.V != broker.ProtocolVersion {
		s.emitError(env.ID, broker.CodeUnsupportedVersion, "unsupported frame version", broker.ErrorBody{})
		s.transitionToClosing()
		return
	}

	switch env.T {
	case broker.TypeSessionStart:
		s.handleSessionStart(ctx, env)
	case broker.TypeSessionResume:
		s.handleSessionResume(ctx, env)
	case broker.TypeConvSubscribe:
		s.requireReady(ctx, env, s.handleSubscribe)
	case broker.TypeConvSend:
		s.requireReady(ctx, env, s.handleSend)
	case broker.TypeConvAck:
		s.requireReady(ctx, env, s.handleAck)
	case broker.TypePong:
		s.handlePong()
	default:
		s.emitError(env.ID, broker.CodeInvalidRequest, fmt.Sprintf("unknown frame type %q", env.T), broker.ErrorBody{})
	}
}

func (s *Session) requireReady(ctx context.Context, env *broker.Envelope, handler func(context.Context, *broker.Envelope)) {
	if s.State() != StateReady {
		s.emitError(env.ID, broker.CodeUnauthorized, "session not ready", broker.ErrorBody{})
		return
	}
	handler(ctx, env)
}

func (s *Session) transitionToClosing() {
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()
}

// Close tears down every live subscription this session holds and marks
// it CLOSED. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	subs := s.subsByConv
	s.subsByConv = make(map[string]*broker.Subscriber)
	deviceID, userID := s.deviceID, s.userID
	s.mu.Unlock()

	for convID, sub := range subs {
		s.deps.Broker.Unsubscribe(convID, sub)
	}

	if s.deps.Hub != nil && deviceID != "" {
		s.deps.Hub.unregister(deviceID, userID, s)
	}
}

// --- session.start / session.resume ---

type sessionStartBody struct {
	AuthToken        string `json:"auth_token"`
	DeviceID         string `json:"device_id,omitempty"`
	DeviceCredential string `json:"device_credential,omitempty"`
}

type sessionResumeBody struct {
	ResumeToken string `json:"resume_token"`
	Cursor      *struct {
		ConvID   string `json:"conv_id"`
		AfterSeq uint64 `json:"after_seq"`
	} `json:"cursor,omitempty"`
}

func (s *Session) handleSessionStart(ctx context.Context, env *broker.Envelope) {
	var body sessionStartBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		s.emitError(env.ID, broker.CodeInvalidRequest, "malformed session.start body", broker.ErrorBody{})
		s.transitionToClosing()
		return
	}

	result, err := s.deps.Sessions.Start(ctx, body.AuthToken, body.DeviceID, body.DeviceCredential)
	if err != nil {
		s.emitError(env.ID, broker.CodeUnauthorized, "auth_token rejected", broker.ErrorBody{})
		s.transitionToClosing()
		return
	}

	s.becomeReady(result)
	s.emitSessionReady(env.ID, result)
}

func (s *Session) handleSessionResume(ctx context.Context, env *broker.Envelope) {
	var body sessionResumeBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		s.emitError(env.ID, broker.CodeInvalidRequest, "malformed session.resume body", broker.ErrorBody{})
		s.transitionToClosing()
		return
	}

	result, err := s.deps.Sessions.Resume(ctx, body.ResumeToken)
	if err != nil {
		s.emitError(env.ID, broker.CodeResumeFailed, "resume_token rejected", broker.ErrorBody{})
		s.transitionToClosing()
		return
	}

	s.becomeReady(result)
	s.emitSessionReady(env.ID, result)
}

func (s *Session) becomeReady(result *session.StartResult) {
	s.mu.Lock()
	s.state = StateReady
	s.deviceID = result.DeviceID
	s.userID = result.UserID
	s.sessionToken = result.SessionToken
	s.mu.Unlock()

	if s.deps.Hub != nil {
		s.deps.Hub.register(result.DeviceID, result.UserID, s)
	}
}

func (s *Session) emitSessionReady(correlationID string, result *session.StartResult) {
	cursors := make([]broker.CursorEntry, 0, len(result.Cursors))
	for _, c := range result.Cursors {
		cursors = append(cursors, broker.CursorEntry{ConvID: c.ConvID, NextSeq: c.NextSeq})
	}
	frame, err := broker.NewFrame(broker.TypeSessionReady, correlationID, broker.SessionReadyBody{
		SessionToken: result.SessionToken,
		ResumeToken:  result.ResumeToken,
		ExpiresAt:    result.ExpiresAt.UnixMilli(),
		Cursors:      cursors,
	})
	if err != nil {
		return
	}
	s.emit(frame)
}

// --- conv.subscribe / conv.send / conv.ack ---

type convSubscribeBody struct {
	ConvID   string  `json:"conv_id"`
	FromSeq  *uint64 `json:"from_seq,omitempty"`
	AfterSeq *uint64 `json:"after_seq,omitempty"`
}

func (s *Session) handleSubscribe(ctx context.Context, env *broker.Envelope) {
	var body convSubscribeBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.ConvID == "" {
		s.emitError(env.ID, broker.CodeInvalidRequest, "malformed conv.subscribe body", broker.ErrorBody{})
		return
	}

	deviceID := s.DeviceID()
	fromSeq, err := s.deps.Broker.EffectiveFromSeq(ctx, deviceID, body.ConvID, body.FromSeq, body.AfterSeq)
	if err != nil {
		s.emitError(env.ID, broker.CodeInternalError, "failed to resolve from_seq", broker.ErrorBody{})
		return
	}

	sub, backlog, err := s.deps.Broker.Subscribe(ctx, deviceID, body.ConvID, fromSeq)
	if err != nil {
		s.handleSubscribeError(env.ID, body.ConvID, err)
		return
	}

	s.mu.Lock()
	if prior, ok := s.subsByConv[body.ConvID]; ok {
		s.deps.Broker.Unsubscribe(body.ConvID, prior)
	}
	s.subsByConv[body.ConvID] = sub
	s.mu.Unlock()

	for _, event := range backlog {
		frame, err := broker.NewFrame(broker.TypeConvEvent, "", broker.ConvEventBody{
			ConvID:        event.ConvID,
			Seq:           event.Seq,
			MsgID:         event.MsgID,
			Env:           event.Env,
			OriginGateway: event.OriginGateway,
			ConvHome:      sub.ConvHome,
		})
		if err == nil {
			s.emit(frame)
		}
	}

	go s.pumpSubscription(body.ConvID, sub)
}

func (s *Session) handleSubscribeError(correlationID, convID string, err error) {
	if rwe, ok := err.(*broker.ReplayWindowExceededError); ok {
		s.emitError(correlationID, broker.CodeReplayWindowExceeded, "requested from_seq predates retained window",
			broker.ErrorBody{EarliestSeq: rwe.EarliestSeq, LatestSeq: rwe.LatestSeq})
		return
	}
	if err == broker.ErrForbidden {
		s.emitError(correlationID, broker.CodeForbidden, "not a member of conv_id", broker.ErrorBody{})
		return
	}
	s.emitError(correlationID, broker.CodeInternalError, "subscribe failed", broker.ErrorBody{})
}

// pumpSubscription forwards a subscriber's live tail to the session's
// outbound queue until the subscriber is dropped (overflow, revocation,
// or replaced by a fresh subscribe on the same conv_id).
func (s *Session) pumpSubscription(convID string, sub *broker.Subscriber) {
	for {
		select {
		case env, ok := <-sub.Out:
			if !ok {
				return
			}
			s.emit(env)
		case <-sub.Done():
			return
		}
	}
}

type convSendBody struct {
	ConvID string `json:"conv_id"`
	MsgID  string `json:"msg_id"`
	Env    string `json:"env"` // base64-encoded ciphertext
}

func (s *Session) handleSend(ctx context.Context, env *broker.Envelope) {
	var body convSendBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.ConvID == "" || body.MsgID == "" {
		s.emitError(env.ID, broker.CodeInvalidRequest, "malformed conv.send body", broker.ErrorBody{})
		return
	}

	envelopeBytes, err := base64.StdEncoding.DecodeString(body.Env)
	if err != nil {
		s.emitError(env.ID, broker.CodeInvalidRequest, "env must be base64", broker.ErrorBody{})
		return
	}

	deviceID := s.DeviceID()
	if allowed, retryAfter := s.deps.RateLimit.Allow(deviceID, ratelimit.OpSendPerConv); !allowed {
		s.emitError(env.ID, broker.CodeRateLimited, "send rate exceeded",
			broker.ErrorBody{RetryAfterS: int(retryAfter.Seconds()) + 1})
		return
	}

	seq, _, err := s.deps.Broker.Send(ctx, deviceID, body.ConvID, body.MsgID, envelopeBytes)
	if err != nil {
		s.handleSendError(env.ID, err)
		return
	}

	frame, err := broker.NewFrame(broker.TypeConvAcked, env.ID, broker.ConvAckedBody{
		ConvID: body.ConvID,
		MsgID:  body.MsgID,
		Seq:    seq,
	})
	if err == nil {
		s.emit(frame)
	}
}

func (s *Session) handleSendError(correlationID string, err error) {
	switch err {
	case broker.ErrForbidden:
		s.emitError(correlationID, broker.CodeForbidden, "not a member of conv_id", broker.ErrorBody{})
	case broker.ErrInvalidRequest:
		s.emitError(correlationID, broker.CodeInvalidRequest, "payload exceeds caps", broker.ErrorBody{})
	case broker.ErrBlocked:
		s.emitError(correlationID, broker.CodeBlocked, "blocked", broker.ErrorBody{})
	default:
		s.emitError(correlationID, broker.CodeInternalError, "send failed", broker.ErrorBody{})
	}
}

type convAckBody struct {
	ConvID string `json:"conv_id"`
	Seq    uint64 `json:"seq"`
}

func (s *Session) handleAck(ctx context.Context, env *broker.Envelope) {
	var body convAckBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.ConvID == "" {
		s.emitError(env.ID, broker.CodeInvalidRequest, "malformed conv.ack body", broker.ErrorBody{})
		return
	}

	if _, err := s.deps.Broker.Ack(ctx, s.DeviceID(), body.ConvID, body.Seq); err != nil {
		s.emitError(env.ID, broker.CodeInternalError, "ack failed", broker.ErrorBody{})
	}
}

// --- heartbeat ---

// SendPing emits a correlated ping frame; two missed pongs closes the
// transport (enforced by the caller via State()/ShouldClose()).
func (s *Session) SendPing(id string) {
	frame, err := broker.NewFrame(broker.TypePing, id, struct{}{})
	if err != nil {
		return
	}
	s.emit(frame)

	s.mu.Lock()
	s.missedPongs++
	s.mu.Unlock()
}

func (s *Session) handlePong() {
	s.mu.Lock()
	s.missedPongs = 0
	s.mu.Unlock()
}

// ShouldClose reports whether two heartbeats have been missed in a row.
func (s *Session) ShouldClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missedPongs >= 2
}

// RevokeSubscriptions is invoked when this device's session is revoked
// mid-connection: it immediately cancels every live subscription (the
// design notes' chosen resolution of the drain-semantics open question)
// and transitions to CLOSING. Once this returns, requireReady rejects every
// further subscribe, send and ack on this connection with unauthorized.
func (s *Session) RevokeSubscriptions() {
	deviceID := s.DeviceID()
	if deviceID != "" {
		s.deps.Broker.RevokeDeviceSubscriptions(deviceID)
	}
	s.transitionToClosing()
}

// HeartbeatLoop runs until ctx is cancelled or two heartbeats are missed,
// pinging every interval. Callers run this in its own goroutine alongside
// the transport's read/write pumps.
func (s *Session) HeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ticker.C:
			if s.ShouldClose() {
				s.transitionToClosing()
				return
			}
			seq++
			s.SendPing(fmt.Sprintf("hb-%d", seq))
		case <-ctx.Done():
			return
		}
	}
}
