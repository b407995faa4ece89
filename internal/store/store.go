package store

import (
	"context"
	"time"
)

// UserRecord is a user as the directory sees it.
type UserRecord struct {
	ID           string
	Username     string
	Email        string
	DisplayName  string
	Avatar       string
	Status       string
	CustomStatus string
	AgeVerified  bool
	CreatedAt    time.Time
}

// ChannelInfo is the slice of channel metadata the realtime core consumes.
type ChannelInfo struct {
	ID              string
	ServerID        string
	Name            string
	NSFW            bool
	SlowModeSeconds int
	Position        int
}

// ChannelMessage is a persisted channel message.
type ChannelMessage struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   string
	Pinned    bool
	CreatedAt time.Time
	EditedAt  *time.Time
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
}

// Emoji is a server-scoped custom emoji.
type Emoji struct {
	ID        string
	ServerID  string
	ShortName string
	Host      string
}

// RoleRecord is a server role.
type RoleRecord struct {
	ID       string
	ServerID string
	Name     string
	Color    string
	Position int
}

// CallLogMeta is the callLog metadata attached to a synthesized DM message.
type CallLogMeta struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Duration int    `json:"duration"`
}

// DMMessage is a persisted direct message. System messages carry CallLog.
type DMMessage struct {
	ID             string
	ConversationID string
	AuthorID       string
	Content        string
	System         bool
	CallLog        *CallLogMeta
	CreatedAt      time.Time
}

// CallLogEntry is one row of 1:1 call history.
type CallLogEntry struct {
	ID             string
	ConversationID string
	CallerID       string
	RecipientID    string
	Type           string
	Status         string
	Duration       int
	StartedAt      time.Time
	EndedAt        time.Time
}

// PeerStatus is the lifecycle state of a federation peer.
type PeerStatus string

const (
	PeerStatusPending   PeerStatus = "pending"
	PeerStatusConnected PeerStatus = "connected"
	PeerStatusRejected  PeerStatus = "rejected"
)

// PeerDirection records which side initiated the peering.
type PeerDirection string

const (
	PeerDirectionIncoming PeerDirection = "incoming"
	PeerDirectionOutgoing PeerDirection = "outgoing"
)

// FederationPeer is another host participating in cross-host flows.
type FederationPeer struct {
	PeerID       string
	Host         string
	BaseURL      string
	Name         string
	SharedSecret string
	Status       PeerStatus
	Direction    PeerDirection
	LastSeenAt   time.Time
}

// RelayMessage is one queued cross-host event, FIFO per peer.
type RelayMessage struct {
	ID           string
	TargetPeerID string
	FromHost     string
	Type         string
	Payload      []byte
	Timestamp    time.Time
}

// BotRecord is a bot as the registry sees it.
type BotRecord struct {
	ID            string
	OwnerID       string
	Name          string
	Avatar        string
	TokenHash     string
	WebhookURL    string
	WebhookSecret string
	Permissions   []string
	ServerIDs     []string
}

// UserDirectory resolves users, presence status, and block relationships.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*UserRecord, error)
	GetAll(ctx context.Context) ([]*UserRecord, error)
	SetStatus(ctx context.Context, id, status, customStatus string) error
	IsAgeVerified(ctx context.Context, id string) (bool, error)
	IsBlocked(ctx context.Context, userID, otherID string) (bool, error)
}

// MessageStore persists channel messages and channel metadata lookups.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *ChannelMessage) error
	// EditMessage returns the updated message, or nil when the message does
	// not exist or the author does not match.
	EditMessage(ctx context.Context, channelID, msgID, authorID, content string) (*ChannelMessage, error)
	DeleteMessage(ctx context.Context, channelID, msgID, authorID string) (bool, error)
	SetPinned(ctx context.Context, channelID, msgID string, pinned bool) error
	FindChannel(ctx context.Context, channelID string) (*ChannelInfo, error)
}

// ReactionStore persists message reactions; mutations return the full set.
type ReactionStore interface {
	AddReaction(ctx context.Context, msgID, userID, emoji string) ([]Reaction, error)
	RemoveReaction(ctx context.Context, msgID, userID, emoji string) ([]Reaction, error)
}

// DMStore persists direct conversations, messages, and call logs.
type DMStore interface {
	AddDMMessage(ctx context.Context, msg *DMMessage) error
	UpdateLastMessage(ctx context.Context, conversationID, fromID, toID string) error
	LogCall(ctx context.Context, entry *CallLogEntry) error
	GetCallLogs(ctx context.Context, conversationID string, limit int) ([]*CallLogEntry, error)
}

// ServerStore serves server-scoped metadata the fan-out paths need and the
// admin event surface mutates.
type ServerStore interface {
	GetServerMembers(ctx context.Context, serverID string) ([]string, error)
	ListServerEmojis(ctx context.Context, serverID string) ([]Emoji, error)
	UpdateServer(ctx context.Context, serverID, name string) error
	CreateChannel(ctx context.Context, ch *ChannelInfo) error
	UpdateChannel(ctx context.Context, ch *ChannelInfo) error
	DeleteChannel(ctx context.Context, channelID string) error
	OrderChannels(ctx context.Context, serverID string, channelIDs []string) error
	CreateRole(ctx context.Context, role *RoleRecord) error
	UpdateRole(ctx context.Context, role *RoleRecord) error
	DeleteRole(ctx context.Context, roleID string) error
}

// BotRegistry resolves bots and their permissions.
type BotRegistry interface {
	GetBot(ctx context.Context, id string) (*BotRecord, error)
	// GetBotByTokenHash resolves a bot by the SHA-256 hex of its token.
	GetBotByTokenHash(ctx context.Context, tokenHash string) (*BotRecord, error)
	HasPermission(ctx context.Context, botID, key string) (bool, error)
	RemoveBotFromServer(ctx context.Context, botID, serverID string) error
}

// FederationStore persists the peer directory and per-peer relay queues.
type FederationStore interface {
	AddPeer(ctx context.Context, peer *FederationPeer) error
	UpdatePeer(ctx context.Context, peer *FederationPeer) error
	RemovePeer(ctx context.Context, peerID string) error
	AcceptPeer(ctx context.Context, peerID string) error
	RejectPeer(ctx context.Context, peerID string) error
	GetPeer(ctx context.Context, peerID string) (*FederationPeer, error)
	GetPeerByHost(ctx context.Context, host string) (*FederationPeer, error)
	ListPeers(ctx context.Context) ([]*FederationPeer, error)

	QueueRelayMessage(ctx context.Context, msg *RelayMessage) error
	// DequeueRelayMessages atomically removes and returns up to count head
	// items of the peer's FIFO queue.
	DequeueRelayMessages(ctx context.Context, peerID string, count int) ([]*RelayMessage, error)
}

// E2EStore stores opaque encryption blobs. The core never interprets them.
type E2EStore interface {
	GetBlob(ctx context.Context, scope, key string) ([]byte, error)
	PutBlob(ctx context.Context, scope, key string, blob []byte) error
	DeleteBlob(ctx context.Context, scope, key string) error
	ListBlobs(ctx context.Context, scope, prefix string) (map[string][]byte, error)
}

// Store aggregates all collaborator contracts.
type Store interface {
	UserDirectory
	MessageStore
	ReactionStore
	DMStore
	ServerStore
	BotRegistry
	FederationStore
	E2EStore

	Close() error
}
