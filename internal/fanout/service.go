package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// MentionRelay queues a federated mention for a remote host. Returns false
// when no connected peer exists for the host.
type MentionRelay interface {
	QueueMentionRelay(ctx context.Context, host string, payload any) bool
}

// WebhookSink delivers bot webhook events, fire-and-forget.
type WebhookSink interface {
	Deliver(bot *store.BotRecord, event string, data any)
}

// Service is the message fan-out engine: slow mode, mention parsing, emoji
// rewrite, channel broadcast, and bot subscription fan-out.
type Service struct {
	state    *core.State
	store    store.Store
	relay    MentionRelay
	webhooks WebhookSink
	host     string
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSend map[string]time.Time
}

// NewService builds the fan-out engine. host is this deployment's federation
// host name, used for canonical emoji references.
func NewService(state *core.State, st store.Store, relay MentionRelay, webhooks WebhookSink, host string, logger *zerolog.Logger) *Service {
	return &Service{
		state:    state,
		store:    st,
		relay:    relay,
		webhooks: webhooks,
		host:     host,
		log:      logger.With().Str("component", "fanout").Logger(),
		now:      time.Now,
		lastSend: make(map[string]time.Time),
	}
}

// MessagePayload is the wire shape of a channel message.
type MessagePayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId,omitempty"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	Pinned    bool   `json:"pinned,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	EditedAt  int64  `json:"editedAt,omitempty"`
}

func wireMessage(msg *store.ChannelMessage, serverID string) MessagePayload {
	p := MessagePayload{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		ServerID:  serverID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		Pinned:    msg.Pinned,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	}
	if msg.EditedAt != nil {
		p.EditedAt = msg.EditedAt.UnixMilli()
	}
	return p
}

// Send validates, persists, and fans out a channel message.
func (s *Service) Send(ctx context.Context, sender *core.Session, channelID, content string) (*MessagePayload, error) {
	senderID := sender.Principal.PrincipalID()

	ch, err := s.store.FindChannel(ctx, channelID)
	if err != nil || ch == nil {
		return nil, core.NewError(core.ErrCodeNotFound, "channel not found")
	}

	if ch.NSFW && !sender.Principal.IsBot() {
		verified, err := s.store.IsAgeVerified(ctx, senderID)
		if err != nil || !verified {
			return nil, core.NewError(core.ErrCodeAgeVerificationRequired, "age verification required for this channel")
		}
	}

	if remaining := s.slowModeRemaining(senderID, ch); remaining > 0 {
		return nil, core.NewError(core.ErrCodeSlowMode, fmt.Sprintf("slow mode: wait %ds", remaining))
	}

	if ch.ServerID != "" {
		content = s.rewriteEmojis(ctx, ch.ServerID, content)
	}

	msg := &store.ChannelMessage{
		ID:        ksuid.New().String(),
		ChannelID: channelID,
		AuthorID:  senderID,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	s.recordSend(senderID, channelID)

	payload := wireMessage(msg, ch.ServerID)
	s.state.Broadcast(core.ChannelRoom(channelID), core.NewEvent(proto.OutMessageNew, payload))

	s.notifyMentions(ctx, sender, ch, msg)
	s.fanOutToBots(ctx, ch.ServerID, senderID, payload)

	return &payload, nil
}

// slowModeRemaining returns the seconds left before the sender may post
// again, or 0 when clear.
func (s *Service) slowModeRemaining(senderID string, ch *store.ChannelInfo) int {
	if ch.SlowModeSeconds <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSend[ch.ID+"|"+senderID]
	if !ok {
		return 0
	}
	elapsed := s.now().Sub(last)
	window := time.Duration(ch.SlowModeSeconds) * time.Second
	if elapsed >= window {
		return 0
	}
	return int((window - elapsed + time.Second - 1) / time.Second)
}

func (s *Service) recordSend(senderID, channelID string) {
	s.mu.Lock()
	s.lastSend[channelID+"|"+senderID] = s.now()
	s.mu.Unlock()
}

// fanOutToBots delivers message:new to each connected bot installed on the
// message's server, plus a MESSAGE_CREATE webhook when configured.
func (s *Service) fanOutToBots(ctx context.Context, serverID, senderID string, payload MessagePayload) {
	if serverID == "" {
		return
	}
	for _, sess := range s.state.ConnectedBots() {
		b, ok := sess.Principal.(*core.Bot)
		if !ok || b.ID == senderID || !b.InServer(serverID) {
			continue
		}
		sess.Send(core.NewEvent(proto.OutMessageNew, payload))

		record, err := s.store.GetBot(ctx, b.ID)
		if err != nil || record == nil || record.WebhookURL == "" {
			continue
		}
		s.webhooks.Deliver(record, "MESSAGE_CREATE", payload)
	}
}

// Edit applies an author-scoped edit and broadcasts the updated message.
func (s *Service) Edit(ctx context.Context, sender *core.Session, channelID, msgID, content string) (*MessagePayload, error) {
	updated, err := s.store.EditMessage(ctx, channelID, msgID, sender.Principal.PrincipalID(), content)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if updated == nil {
		return nil, core.NewError(core.ErrCodeNotFound, "message not found")
	}
	serverID := ""
	if ch, err := s.store.FindChannel(ctx, channelID); err == nil && ch != nil {
		serverID = ch.ServerID
	}
	payload := wireMessage(updated, serverID)
	s.state.Broadcast(core.ChannelRoom(channelID), core.NewEvent(proto.OutMessageEdited, payload))
	return &payload, nil
}

// Delete removes an author-scoped message and broadcasts the deletion.
func (s *Service) Delete(ctx context.Context, sender *core.Session, channelID, msgID string) error {
	ok, err := s.store.DeleteMessage(ctx, channelID, msgID, sender.Principal.PrincipalID())
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !ok {
		return core.NewError(core.ErrCodeNotFound, "message not found")
	}
	s.state.Broadcast(core.ChannelRoom(channelID), core.NewEvent(proto.OutMessageDeleted, map[string]string{
		"id":        msgID,
		"channelId": channelID,
	}))
	return nil
}

// SetPinned pins or unpins a message and broadcasts the change.
func (s *Service) SetPinned(ctx context.Context, channelID, msgID string, pinned bool) error {
	if err := s.store.SetPinned(ctx, channelID, msgID, pinned); err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	event := proto.OutMessagePinned
	if !pinned {
		event = proto.OutMessageUnpinned
	}
	s.state.Broadcast(core.ChannelRoom(channelID), core.NewEvent(event, map[string]string{
		"id":        msgID,
		"channelId": channelID,
	}))
	return nil
}

// Typing broadcasts a typing indicator to the channel, excluding the sender.
func (s *Service) Typing(sender *core.Session, channelID string) {
	s.state.BroadcastExcept(core.ChannelRoom(channelID), sender, core.NewEvent(proto.OutUserTyping, map[string]string{
		"channelId": channelID,
		"userId":    sender.Principal.PrincipalID(),
		"username":  sender.Principal.Name(),
	}))
}

// React adds or removes a reaction and broadcasts the resulting set.
func (s *Service) React(ctx context.Context, sender *core.Session, channelID, msgID, emoji string, add bool) error {
	var (
		reactions []store.Reaction
		err       error
		event     string
	)
	userID := sender.Principal.PrincipalID()
	if add {
		reactions, err = s.store.AddReaction(ctx, msgID, userID, emoji)
		event = proto.OutReactionAdded
	} else {
		reactions, err = s.store.RemoveReaction(ctx, msgID, userID, emoji)
		event = proto.OutReactionRemoved
	}
	if err != nil {
		return fmt.Errorf("update reaction: %w", err)
	}
	s.state.Broadcast(core.ChannelRoom(channelID), core.NewEvent(event, map[string]any{
		"messageId": msgID,
		"channelId": channelID,
		"userId":    userID,
		"emoji":     emoji,
		"reactions": reactions,
	}))
	return nil
}

// SendDM persists a direct message and fans it out to the conversation room
// plus the recipient's personal room.
func (s *Service) SendDM(ctx context.Context, sender *core.Session, conversationID, toID, content string) (map[string]any, error) {
	senderID := sender.Principal.PrincipalID()
	if blocked, err := s.store.IsBlocked(ctx, senderID, toID); err == nil && blocked {
		return nil, core.NewError(core.ErrCodePermissionDenied, "cannot message this user")
	}

	msg := &store.DMMessage{
		ID:             ksuid.New().String(),
		ConversationID: conversationID,
		AuthorID:       senderID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if err := s.store.AddDMMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist dm: %w", err)
	}
	if err := s.store.UpdateLastMessage(ctx, conversationID, senderID, toID); err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("update last message")
	}

	payload := map[string]any{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"authorId":       msg.AuthorID,
		"content":        msg.Content,
		"createdAt":      msg.CreatedAt.UnixMilli(),
	}
	s.state.Broadcast(core.DMRoom(conversationID), core.NewEvent(proto.OutDMNew, payload))
	s.state.EmitToPrincipal(toID, core.NewEvent(proto.OutDMNotification, payload))
	return payload, nil
}

// DMTyping sends a typing indicator to the conversation, excluding sender.
func (s *Service) DMTyping(sender *core.Session, conversationID string) {
	s.state.BroadcastExcept(core.DMRoom(conversationID), sender, core.NewEvent(proto.OutDMTyping, map[string]string{
		"conversationId": conversationID,
		"userId":         sender.Principal.PrincipalID(),
	}))
}
