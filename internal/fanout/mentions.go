package fanout

import (
	"context"
	"regexp"
	"strings"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/store"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9._-]+(?::[A-Za-z0-9.-]+)?)`)

// MentionPayload is delivered to a mentioned principal's personal room.
type MentionPayload struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId,omitempty"`
	MessageID string `json:"messageId"`
	FromID    string `json:"fromId"`
	FromName  string `json:"fromName"`
	Offline   bool   `json:"offline"`
}

// FederatedMention is relayed to the peer owning the mentioned host.
type FederatedMention struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId,omitempty"`
	MessageID string `json:"messageId"`
	FromID    string `json:"fromId"`
	FromHost  string `json:"fromHost"`
}

// notifyMentions parses the message content and notifies each recipient at
// most once. @everyone supersedes @here and @name for the same message;
// federated mentions are relayed regardless.
func (s *Service) notifyMentions(ctx context.Context, sender *core.Session, ch *store.ChannelInfo, msg *store.ChannelMessage) {
	matches := mentionPattern.FindAllStringSubmatch(msg.Content, -1)
	if len(matches) == 0 {
		return
	}

	senderID := sender.Principal.PrincipalID()
	var (
		hasEveryone bool
		hasHere     bool
		names       []string
		federated   []FederatedMention
	)
	seen := make(map[string]struct{})
	for _, m := range matches {
		token := m[1]
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		switch {
		case token == "everyone":
			hasEveryone = true
		case token == "here":
			hasHere = true
		case strings.Contains(token, ":"):
			parts := strings.SplitN(token, ":", 2)
			if parts[1] != "" && parts[1] != s.host {
				federated = append(federated, FederatedMention{
					Name:      parts[0],
					Host:      parts[1],
					ChannelID: ch.ID,
					ServerID:  ch.ServerID,
					MessageID: msg.ID,
					FromID:    senderID,
					FromHost:  s.host,
				})
			} else {
				names = append(names, parts[0])
			}
		default:
			names = append(names, token)
		}
	}

	notified := map[string]struct{}{senderID: {}}
	notify := func(recipientID, kind string) {
		if _, done := notified[recipientID]; done {
			return
		}
		notified[recipientID] = struct{}{}
		s.state.EmitToPrincipal(recipientID, core.NewEvent(proto.OutNotificationMention, MentionPayload{
			Type:      kind,
			ChannelID: ch.ID,
			ServerID:  ch.ServerID,
			MessageID: msg.ID,
			FromID:    senderID,
			FromName:  sender.Principal.Name(),
			Offline:   !s.state.IsOnline(recipientID),
		}))
	}

	switch {
	case hasEveryone:
		for _, id := range s.broadcastTargets(ctx, ch) {
			notify(id, "everyone")
		}
	case hasHere:
		for _, id := range s.broadcastTargets(ctx, ch) {
			notify(id, "here")
		}
	default:
		for _, name := range names {
			if user := s.resolveUser(ctx, name); user != nil {
				notify(user.ID, "user")
			}
		}
	}

	for _, fm := range federated {
		if !s.relay.QueueMentionRelay(ctx, fm.Host, fm) {
			s.log.Debug().Str("host", fm.Host).Msg("no connected peer for federated mention")
		}
	}
}

// broadcastTargets returns the online principals reachable by a group
// mention: the server's online members, or the channel room when the channel
// has no server context.
func (s *Service) broadcastTargets(ctx context.Context, ch *store.ChannelInfo) []string {
	if ch.ServerID != "" {
		members, err := s.store.GetServerMembers(ctx, ch.ServerID)
		if err != nil {
			s.log.Warn().Err(err).Str("server", ch.ServerID).Msg("list server members")
			return nil
		}
		online := members[:0]
		for _, id := range members {
			if s.state.IsOnline(id) {
				online = append(online, id)
			}
		}
		return online
	}

	var ids []string
	for _, sess := range s.state.RoomSessions(core.ChannelRoom(ch.ID)) {
		ids = append(ids, sess.Principal.PrincipalID())
	}
	return ids
}

// resolveUser matches case-insensitively by username with an email-prefix
// fallback.
func (s *Service) resolveUser(ctx context.Context, name string) *store.UserRecord {
	users, err := s.store.GetAll(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("list users for mention")
		return nil
	}
	lower := strings.ToLower(name)
	for _, u := range users {
		if strings.ToLower(u.Username) == lower {
			return u
		}
	}
	for _, u := range users {
		if prefix, _, ok := strings.Cut(u.Email, "@"); ok && strings.ToLower(prefix) == lower {
			return u
		}
	}
	return nil
}
