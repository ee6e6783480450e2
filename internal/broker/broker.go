package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/store"
)

// ErrForbidden is returned when deviceID is not a member of conv_id.
var ErrForbidden = errors.New("broker: forbidden")

// ErrInvalidRequest is returned for malformed send/subscribe inputs.
var ErrInvalidRequest = errors.New("broker: invalid_request")

// ErrBlocked is returned when a DM send is rejected by a blocklist: either
// party has blocked the other.
var ErrBlocked = errors.New("broker: blocked")

// ReplayWindowExceededError is returned by Subscribe when the requested
// from_seq predates the retained window.
type ReplayWindowExceededError struct {
	EarliestSeq uint64
	LatestSeq   uint64
}

func (e *ReplayWindowExceededError) Error() string {
	return fmt.Sprintf("broker: replay_window_exceeded (earliest=%d, latest=%d)", e.EarliestSeq, e.LatestSeq)
}

const defaultOutboxCapacity = 256
const defaultReplayBatchLimit = 500

// Config bounds the broker's admission checks.
type Config struct {
	EnvelopeByteCap  int
	MsgIDMaxLen      int
	ReplayBatchLimit int
	OutboxCapacity   int
	GatewayID        string
}

// Subscriber is one live subscription to a conv_id: a bounded outbound
// queue of frames. On overflow the subscriber is dropped rather than
// blocking the broadcaster (message-passing backpressure per the broker's
// subscription-lifecycle design).
type Subscriber struct {
	ID       uint64
	DeviceID string
	ConvID   string
	ConvHome string
	Out      chan *Envelope
	closed   chan struct{}
	once     sync.Once
}

func (s *Subscriber) send(env *Envelope) bool {
	select {
	case s.Out <- env:
		return true
	default:
		return false
	}
}

// Close stops deliveries to this subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Done is closed when the subscriber has been dropped (overflow) or
// explicitly unsubscribed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.closed
}

type convState struct {
	mu   sync.Mutex
	subs map[uint64]*Subscriber
	jobs chan *sendJob
}

type sendJob struct {
	ctx           context.Context
	deviceID      string
	msgID         string
	env           []byte
	originGateway string
	convHome      string
	resultCh      chan sendResult
}

type sendResult struct {
	seq   uint64
	isNew bool
	err   error
}

// Broker implements the conversation broker: it owns one serialized lane
// per conv_id for the allocate-then-broadcast critical section, and the
// per-conv_id subscriber registry for fan-out.
type Broker struct {
	repo   store.Repository
	cfg    Config
	mu     sync.Mutex
	convs  map[string]*convState
	nextID uint64
}

// New builds a broker backed by repo.
func New(repo store.Repository, cfg Config) *Broker {
	if cfg.ReplayBatchLimit <= 0 {
		cfg.ReplayBatchLimit = defaultReplayBatchLimit
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = defaultOutboxCapacity
	}
	return &Broker{repo: repo, cfg: cfg, convs: make(map[string]*convState)}
}

func (b *Broker) getConvState(convID string) *convState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.convs[convID]
	if !ok {
		cs = &convState{
			subs: make(map[uint64]*Subscriber),
			jobs: make(chan *sendJob, 64),
		}
		b.convs[convID] = cs
		go b.runLane(convID, cs)
	}
	return cs
}

// runLane is the dedicated lane for one conv_id: it serializes
// allocate-and-insert against broadcast so fan-out is strictly seq-ordered,
// while different conv_ids proceed in parallel on their own lanes. cs.mu is
// held across the insert and the broadcast, so a concurrent Subscribe sees
// each event either in its backlog or on its live queue, never both.
func (b *Broker) runLane(convID string, cs *convState) {
	for job := range cs.jobs {
		cs.mu.Lock()
		seq, isNew, err := b.repo.AppendEvent(job.ctx, convID, job.msgID, job.env, uint64(time.Now().UnixMilli()), job.originGateway)
		if err == nil && isNew {
			b.broadcastLocked(cs, convID, seq, job.msgID, job.env, job.originGateway, job.convHome)
		}
		cs.mu.Unlock()
		job.resultCh <- sendResult{seq: seq, isNew: isNew, err: err}
	}
}

func (b *Broker) broadcastLocked(cs *convState, convID string, seq uint64, msgID string, env []byte, originGateway, convHome string) {
	frame, err := NewFrame(TypeConvEvent, "", ConvEventBody{
		ConvID:        convID,
		Seq:           seq,
		MsgID:         msgID,
		Env:           env,
		OriginGateway: originGateway,
		ConvHome:      convHome,
	})
	if err != nil {
		return
	}

	var dead []uint64
	for id, sub := range cs.subs {
		if !sub.send(frame) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		sub := cs.subs[id]
		delete(cs.subs, id)
		sub.Close()
	}
}

func (b *Broker) checkMembership(ctx context.Context, deviceID, convID string) (*domain.Conversation, error) {
	conv, err := b.repo.GetConversation(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !conv.HasMember(deviceID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// resolveUserID maps deviceID to its owning user_id. A device with no
// session history resolves to "" rather than an error: blocklists are a
// user-level relation, and a device the storage engine has never heard of
// cannot be party to one.
func (b *Broker) resolveUserID(ctx context.Context, deviceID string) (string, error) {
	userID, err := b.repo.GetUserIDForDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve device user: %w", err)
	}
	return userID, nil
}

// checkBlocked reports whether a DM send from deviceID into conv must be
// rejected because either party has blocked the other. Only DM-kind
// conversations carry a blocklist check; room membership is an invite
// list, not a social graph edge.
func (b *Broker) checkBlocked(ctx context.Context, deviceID string, conv *domain.Conversation) (bool, error) {
	if conv.Kind != domain.ConversationDM {
		return false, nil
	}
	var otherDeviceID string
	for _, m := range conv.Members {
		if m != deviceID {
			otherDeviceID = m
			break
		}
	}
	if otherDeviceID == "" {
		return false, nil
	}

	senderUserID, err := b.resolveUserID(ctx, deviceID)
	if err != nil {
		return false, err
	}
	otherUserID, err := b.resolveUserID(ctx, otherDeviceID)
	if err != nil {
		return false, err
	}
	if senderUserID == "" || otherUserID == "" {
		return false, nil
	}

	if blocked, err := b.repo.IsBlocked(ctx, otherUserID, senderUserID); err != nil {
		return false, fmt.Errorf("check blocked: %w", err)
	} else if blocked {
		return true, nil
	}
	if blocked, err := b.repo.IsBlocked(ctx, senderUserID, otherUserID); err != nil {
		return false, fmt.Errorf("check blocked: %w", err)
	} else if blocked {
		return true, nil
	}
	return false, nil
}

// Send admits a conv.send: validates payload caps, checks membership, then
// routes through the conv_id's lane for atomic allocate-and-insert followed
// by ordered fan-out. A duplicate (conv_id, msg_id) returns the prior seq
// with isNew=false and performs no broadcast.
func (b *Broker) Send(ctx context.Context, deviceID, convID, msgID string, env []byte) (seq uint64, isNew bool, err error) {
	if msgID == "" || len(msgID) > 256 {
		return 0, false, ErrInvalidRequest
	}
	if b.cfg.EnvelopeByteCap > 0 && len(env) > b.cfg.EnvelopeByteCap {
		return 0, false, ErrInvalidRequest
	}
	conv, err := b.checkMembership(ctx, deviceID, convID)
	if err != nil {
		return 0, false, err
	}
	if blocked, err := b.checkBlocked(ctx, deviceID, conv); err != nil {
		return 0, false, err
	} else if blocked {
		return 0, false, ErrBlocked
	}

	cs := b.getConvState(convID)
	resultCh := make(chan sendResult, 1)
	job := &sendJob{
		ctx:           ctx,
		deviceID:      deviceID,
		msgID:         msgID,
		env:           env,
		originGateway: b.cfg.GatewayID,
		convHome:      conv.ConvHome,
		resultCh:      resultCh,
	}

	select {
	case cs.jobs <- job:
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}

	select {
	case res := <-resultCh:
		return res.seq, res.isNew, res.err
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// Subscribe registers a live subscriber for convID starting at fromSeq
// (inclusive), returning that subscriber plus the backlog of retained
// events at or after fromSeq up to the current head. The subscriber is
// registered atomically with the backlog read so no event is ever missed
// or duplicated across the replay/live-tail boundary.
func (b *Broker) Subscribe(ctx context.Context, deviceID, convID string, fromSeq uint64) (*Subscriber, []domain.Event, error) {
	conv, err := b.checkMembership(ctx, deviceID, convID)
	if err != nil {
		return nil, nil, err
	}

	earliest, hasEarliest, err := b.repo.EarliestRetainedSeq(ctx, convID)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	if hasEarliest && fromSeq < earliest {
		latest, _, lerr := b.repo.LatestSeq(ctx, convID)
		if lerr != nil {
			return nil, nil, fmt.Errorf("subscribe: %w", lerr)
		}
		return nil, nil, &ReplayWindowExceededError{EarliestSeq: earliest, LatestSeq: latest}
	}

	cs := b.getConvState(convID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var backlog []domain.Event
	next := fromSeq
	for {
		batch, err := b.repo.ReplayEvents(ctx, convID, next, b.cfg.ReplayBatchLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("subscribe: %w", err)
		}
		backlog = append(backlog, batch...)
		if len(batch) < b.cfg.ReplayBatchLimit {
			break
		}
		next = batch[len(batch)-1].Seq + 1
	}

	sub := &Subscriber{
		ID:       atomic.AddUint64(&b.nextID, 1),
		DeviceID: deviceID,
		ConvID:   convID,
		ConvHome: conv.ConvHome,
		Out:      make(chan *Envelope, b.cfg.OutboxCapacity),
		closed:   make(chan struct{}),
	}
	cs.subs[sub.ID] = sub

	return sub, backlog, nil
}

// Unsubscribe removes a subscriber from its conv_id's fan-out set. Safe to
// call more than once or after the subscriber was already dropped.
func (b *Broker) Unsubscribe(convID string, sub *Subscriber) {
	b.mu.Lock()
	cs, ok := b.convs[convID]
	b.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	delete(cs.subs, sub.ID)
	cs.mu.Unlock()
	sub.Close()
}

// RevokeDeviceSubscriptions terminates every live subscription belonging
// to deviceID across every conv_id. Used when a session is revoked:
// revocation cancels live subscriptions immediately rather than draining
// them (see the design notes' resolution of the drain-semantics question).
func (b *Broker) RevokeDeviceSubscriptions(deviceID string) {
	b.mu.Lock()
	convs := make([]*convState, 0, len(b.convs))
	for _, cs := range b.convs {
		convs = append(convs, cs)
	}
	b.mu.Unlock()

	for _, cs := range convs {
		cs.mu.Lock()
		var dead []uint64
		for id, sub := range cs.subs {
			if sub.DeviceID == deviceID {
				dead = append(dead, id)
			}
		}
		for _, id := range dead {
			sub := cs.subs[id]
			delete(cs.subs, id)
			sub.Close()
		}
		cs.mu.Unlock()
	}
}

// Ack advances deviceID's cursor for convID to max(stored, seq+1).
func (b *Broker) Ack(ctx context.Context, deviceID, convID string, seq uint64) (*domain.Cursor, error) {
	cursor, err := b.repo.AckCursor(ctx, deviceID, convID, seq)
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	return cursor, nil
}

// EffectiveFromSeq resolves a subscribe request's starting point: an
// explicit from_seq wins; otherwise the stored cursor's next_seq; a legacy
// after_seq hint maps to after_seq+1 but must never regress the stored
// cursor.
func (b *Broker) EffectiveFromSeq(ctx context.Context, deviceID, convID string, fromSeq *uint64, legacyAfterSeq *uint64) (uint64, error) {
	if fromSeq != nil {
		return *fromSeq, nil
	}

	stored, err := b.repo.GetCursor(ctx, deviceID, convID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("effective from_seq: %w", err)
	}
	storedNext := uint64(1)
	if err == nil {
		storedNext = stored.NextSeq
	}

	if legacyAfterSeq != nil {
		hinted := *legacyAfterSeq + 1
		if hinted > storedNext {
			return hinted, nil
		}
	}
	return storedNext, nil
}
