package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// RingTimeout is how long a call may stay in ringing before it goes missed.
const RingTimeout = 30 * time.Second

// Type is the call media kind.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// Status is a DM call lifecycle state.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusMissed    Status = "missed"
)

// Call is one 1:1 call between two principals.
type Call struct {
	ID             string
	CallerID       string
	RecipientID    string
	ConversationID string
	Type           Type
	Status         Status
	StartTime      time.Time
	AcceptedAt     *time.Time
}

// PendingCall is an undelivered incoming-call entry queued per recipient.
type PendingCall struct {
	CallID         string    `json:"callId"`
	CallerID       string    `json:"callerId"`
	CallerName     string    `json:"callerName"`
	CallerAvatar   string    `json:"callerAvatar,omitempty"`
	ConversationID string    `json:"conversationId"`
	Type           Type      `json:"type"`
	QueuedAt       time.Time `json:"queuedAt"`
}

// Machine owns the DM call state: active calls, pending incoming calls, ring
// timeouts, and terminal fan-out (call log + system DM message).
type Machine struct {
	state *core.State
	users store.UserDirectory
	dms   store.DMStore
	log   zerolog.Logger
	now   func() time.Time

	ringTimeout time.Duration
	schedule    func(d time.Duration, f func())

	mu          sync.Mutex
	calls       map[string]*Call
	byPrincipal map[string]string
	pending     map[string][]*PendingCall
}

// NewMachine builds a call machine over the presence fabric and DM stores.
func NewMachine(state *core.State, users store.UserDirectory, dms store.DMStore, logger *zerolog.Logger) *Machine {
	return &Machine{
		state:       state,
		users:       users,
		dms:         dms,
		log:         logger.With().Str("component", "call").Logger(),
		now:         time.Now,
		ringTimeout: RingTimeout,
		schedule:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		calls:       make(map[string]*Call),
		byPrincipal: make(map[string]string),
		pending:     make(map[string][]*PendingCall),
	}
}

// Payload is the wire shape of a call shared by several events.
type Payload struct {
	CallID         string `json:"callId"`
	CallerID       string `json:"callerId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
	Type           Type   `json:"type"`
	Status         Status `json:"status"`
}

// IncomingPayload is delivered to the recipient when a call starts ringing.
type IncomingPayload struct {
	Payload
	CallerName   string `json:"callerName"`
	CallerAvatar string `json:"callerAvatar,omitempty"`
}

// EndedPayload announces a terminal transition to both sides.
type EndedPayload struct {
	CallID   string `json:"callId"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration"`
}

// SignalPayload is a relayed in-call WebRTC frame.
type SignalPayload struct {
	CallID string          `json:"callId"`
	From   string          `json:"from,omitempty"`
	Signal json.RawMessage `json:"signal"`
}

// StatePayload carries in-call mute/deafen/video notifications.
type StatePayload struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
	Active bool   `json:"active"`
}

func (c *Call) payload() Payload {
	return Payload{
		CallID:         c.ID,
		CallerID:       c.CallerID,
		RecipientID:    c.RecipientID,
		ConversationID: c.ConversationID,
		Type:           c.Type,
		Status:         c.Status,
	}
}

// Initiate starts a call ringing toward the recipient.
func (m *Machine) Initiate(ctx context.Context, caller *core.Session, recipientID, conversationID string, callType Type) (*Call, error) {
	callerID := caller.Principal.PrincipalID()
	if recipientID == "" || recipientID == callerID {
		return nil, core.NewError(core.ErrCodeInvalidArgument, "invalid call recipient")
	}
	if !m.state.IsOnline(recipientID) {
		return nil, core.NewError(core.ErrCodeUserOffline, "user is offline")
	}
	if blocked, err := m.users.IsBlocked(ctx, callerID, recipientID); err == nil && blocked {
		return nil, core.NewError(core.ErrCodePermissionDenied, "cannot call this user")
	}

	callerInfo, err := m.users.GetUser(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("resolve caller: %w", err)
	}

	m.mu.Lock()
	// every live call must involve a disjoint set of principals
	if _, busy := m.byPrincipal[callerID]; busy {
		m.mu.Unlock()
		return nil, core.NewError(core.ErrCodeCallInProgress, "a call is already in progress")
	}
	if _, busy := m.byPrincipal[recipientID]; busy {
		m.mu.Unlock()
		return nil, core.NewError(core.ErrCodeCallInProgress, "a call is already in progress")
	}
	c := &Call{
		ID:             uuid.New().String(),
		CallerID:       callerID,
		RecipientID:    recipientID,
		ConversationID: conversationID,
		Type:           callType,
		Status:         StatusRinging,
		StartTime:      m.now(),
	}
	m.calls[c.ID] = c
	m.byPrincipal[callerID] = c.ID
	m.byPrincipal[recipientID] = c.ID
	m.pending[recipientID] = append(m.pending[recipientID], &PendingCall{
		CallID:         c.ID,
		CallerID:       callerID,
		CallerName:     callerInfo.DisplayName,
		CallerAvatar:   callerInfo.Avatar,
		ConversationID: conversationID,
		Type:           callType,
		QueuedAt:       c.StartTime,
	})
	snapshot := *c
	m.mu.Unlock()

	m.state.EmitToPrincipal(callerID, core.NewEvent(proto.OutCallRinging, snapshot.payload()))
	m.state.EmitToPrincipal(recipientID, core.NewEvent(proto.OutCallIncoming, IncomingPayload{
		Payload:      snapshot.payload(),
		CallerName:   callerInfo.DisplayName,
		CallerAvatar: callerInfo.Avatar,
	}))

	callID := snapshot.ID
	m.schedule(m.ringTimeout, func() { m.expireRing(callID) })

	m.log.Info().Str("call", callID).Str("caller", callerID).Str("recipient", recipientID).Msg("call ringing")
	return &snapshot, nil
}

// Accept transitions ringing → active. Only the recipient may accept.
func (m *Machine) Accept(ctx context.Context, s *core.Session, callID string) error {
	id := s.Principal.PrincipalID()

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "call not found")
	}
	if c.RecipientID != id {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeUnauthorized, "not the call recipient")
	}
	if c.Status != StatusRinging {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "call is not ringing")
	}
	now := m.now()
	c.Status = StatusActive
	c.AcceptedAt = &now
	m.dropPendingLocked(c.RecipientID, callID)
	snapshot := *c
	m.mu.Unlock()

	m.state.EmitToPrincipal(snapshot.CallerID, core.NewEvent(proto.OutCallAccepted, snapshot.payload()))
	connected := core.NewEvent(proto.OutCallConnected, snapshot.payload())
	m.state.EmitToPrincipal(snapshot.CallerID, connected)
	m.state.EmitToPrincipal(snapshot.RecipientID, connected)
	return nil
}

// Decline transitions ringing → declined. Only the recipient may decline.
func (m *Machine) Decline(ctx context.Context, s *core.Session, callID string) error {
	return m.terminateRinging(ctx, s, callID, StatusDeclined, func(c *Call) bool {
		return c.RecipientID == s.Principal.PrincipalID()
	})
}

// Cancel transitions ringing → cancelled. Only the caller may cancel.
func (m *Machine) Cancel(ctx context.Context, s *core.Session, callID string) error {
	return m.terminateRinging(ctx, s, callID, StatusCancelled, func(c *Call) bool {
		return c.CallerID == s.Principal.PrincipalID()
	})
}

func (m *Machine) terminateRinging(ctx context.Context, s *core.Session, callID string, status Status, allowed func(*Call) bool) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "call not found")
	}
	if !allowed(c) {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeUnauthorized, "not a party to this call")
	}
	if c.Status != StatusRinging {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "call is not ringing")
	}
	snapshot := m.removeLocked(c, status)
	m.mu.Unlock()

	m.finish(ctx, snapshot, string(status))
	return nil
}

// End terminates a ringing or active call. Either party may end.
func (m *Machine) End(ctx context.Context, s *core.Session, callID string) error {
	id := s.Principal.PrincipalID()

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "call not found")
	}
	if c.CallerID != id && c.RecipientID != id {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeUnauthorized, "not a party to this call")
	}
	snapshot := m.removeLocked(c, StatusEnded)
	m.mu.Unlock()

	m.finish(ctx, snapshot, string(StatusEnded))
	return nil
}

// expireRing fires when the ring timer lapses. The transition guards make it
// a no-op if the call already left ringing.
func (m *Machine) expireRing(callID string) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok || c.Status != StatusRinging {
		m.mu.Unlock()
		return
	}
	snapshot := m.removeLocked(c, StatusMissed)
	m.mu.Unlock()

	m.finish(context.Background(), snapshot, string(StatusMissed))
	m.state.EmitToPrincipal(snapshot.RecipientID, core.NewEvent(proto.OutCallMissed, snapshot.payload()))
}

// DisconnectSweep terminates every call the principal is a party to and
// clears pending entries involving the principal.
func (m *Machine) DisconnectSweep(principalID string) {
	m.mu.Lock()
	var gone []Call
	for _, c := range m.calls {
		if c.CallerID == principalID || c.RecipientID == principalID {
			gone = append(gone, m.removeLocked(c, StatusEnded))
		}
	}
	delete(m.pending, principalID)
	for recipient, queue := range m.pending {
		kept := queue[:0]
		for _, p := range queue {
			if p.CallerID != principalID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.pending, recipient)
		} else {
			m.pending[recipient] = kept
		}
	}
	m.mu.Unlock()

	for i := range gone {
		m.finish(context.Background(), gone[i], "disconnected")
	}
}

// removeLocked takes the call out of the live maps and returns a snapshot
// carrying the terminal status.
func (m *Machine) removeLocked(c *Call, status Status) Call {
	c.Status = status
	delete(m.calls, c.ID)
	delete(m.byPrincipal, c.CallerID)
	delete(m.byPrincipal, c.RecipientID)
	m.dropPendingLocked(c.RecipientID, c.ID)
	return *c
}

func (m *Machine) dropPendingLocked(recipientID, callID string) {
	queue := m.pending[recipientID]
	kept := queue[:0]
	for _, p := range queue {
		if p.CallID != callID {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(m.pending, recipientID)
	} else {
		m.pending[recipientID] = kept
	}
}

// finish emits the terminal fan-out: call log entry, synthesized system DM
// message, dm room broadcast, and call:ended to every session of both sides.
func (m *Machine) finish(ctx context.Context, c Call, reason string) {
	now := m.now()
	duration := int(now.Sub(c.StartTime).Seconds())

	entry := &store.CallLogEntry{
		ID:             ksuid.New().String(),
		ConversationID: c.ConversationID,
		CallerID:       c.CallerID,
		RecipientID:    c.RecipientID,
		Type:           string(c.Type),
		Status:         string(c.Status),
		Duration:       duration,
		StartedAt:      c.StartTime,
		EndedAt:        now,
	}
	if err := m.dms.LogCall(ctx, entry); err != nil {
		m.log.Warn().Err(err).Str("call", c.ID).Msg("write call log")
	}

	msg := &store.DMMessage{
		ID:             ksuid.New().String(),
		ConversationID: c.ConversationID,
		AuthorID:       c.CallerID,
		Content:        callLogContent(c.Status, duration),
		System:         true,
		CallLog: &store.CallLogMeta{
			Type:     string(c.Type),
			Status:   string(c.Status),
			Duration: duration,
		},
		CreatedAt: now,
	}
	if err := m.dms.AddDMMessage(ctx, msg); err != nil {
		m.log.Warn().Err(err).Str("call", c.ID).Msg("write call log message")
	}
	if err := m.dms.UpdateLastMessage(ctx, c.ConversationID, c.CallerID, c.RecipientID); err != nil {
		m.log.Warn().Err(err).Str("conversation", c.ConversationID).Msg("update last message")
	}

	m.state.Broadcast(core.DMRoom(c.ConversationID), core.NewEvent(proto.OutDMNew, DMMessagePayload(msg)))

	ended := core.NewEvent(proto.OutCallEnded, EndedPayload{
		CallID:   c.ID,
		Reason:   reason,
		Duration: duration,
	})
	m.state.EmitToPrincipal(c.CallerID, ended)
	m.state.EmitToPrincipal(c.RecipientID, ended)

	m.log.Info().Str("call", c.ID).Str("status", string(c.Status)).Int("duration", duration).Msg("call finished")
}

// callLogContent encodes the terminal status for the conversation timeline.
func callLogContent(status Status, duration int) string {
	switch status {
	case StatusMissed:
		return "📞 Missed call"
	case StatusDeclined:
		return "📞 Call declined"
	case StatusCancelled:
		return "📞 Call cancelled"
	default:
		return fmt.Sprintf("📞 Call ended · %dm %ds", duration/60, duration%60)
	}
}

// Relay forwards an in-call signaling frame to the other party. The frame is
// dropped unless the call exists and the sender is a party.
func (m *Machine) Relay(s *core.Session, event string, payload SignalPayload) {
	id := s.Principal.PrincipalID()

	m.mu.Lock()
	c, ok := m.calls[payload.CallID]
	if !ok || (c.CallerID != id && c.RecipientID != id) {
		m.mu.Unlock()
		return
	}
	target := c.CallerID
	if id == c.CallerID {
		target = c.RecipientID
	}
	m.mu.Unlock()

	payload.From = id
	m.state.EmitToPrincipal(target, core.NewEvent(event, payload))
}

// Notify forwards an in-call state notification (mute/deafen/video) to the
// other party.
func (m *Machine) Notify(s *core.Session, event, callID string, active bool) {
	id := s.Principal.PrincipalID()

	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok || (c.CallerID != id && c.RecipientID != id) {
		m.mu.Unlock()
		return
	}
	target := c.CallerID
	if id == c.CallerID {
		target = c.RecipientID
	}
	m.mu.Unlock()

	m.state.EmitToPrincipal(target, core.NewEvent(event, StatePayload{
		CallID: callID,
		UserID: id,
		Active: active,
	}))
}

// History returns recent call logs for a conversation.
func (m *Machine) History(ctx context.Context, conversationID string, limit int) ([]*store.CallLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return m.dms.GetCallLogs(ctx, conversationID, limit)
}

// PendingFor returns the recipient's queued incoming calls.
func (m *Machine) PendingFor(recipientID string) []*PendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.pending[recipientID]
	out := make([]*PendingCall, len(queue))
	copy(out, queue)
	return out
}

// DMMessagePayload is the wire shape of a direct message.
func DMMessagePayload(msg *store.DMMessage) map[string]any {
	payload := map[string]any{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"authorId":       msg.AuthorID,
		"content":        msg.Content,
		"system":         msg.System,
		"createdAt":      msg.CreatedAt.UnixMilli(),
	}
	if msg.CallLog != nil {
		payload["callLog"] = msg.CallLog
	}
	return payload
}
