package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	custom_status TEXT NOT NULL DEFAULT '',
	age_verified INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_blocks (
	user_id TEXT NOT NULL,
	blocked_id TEXT NOT NULL,
	PRIMARY KEY (user_id, blocked_id)
);

CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS server_members (
	server_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (server_id, user_id)
);

CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	nsfw INTEGER NOT NULL DEFAULT 0,
	slow_mode_seconds INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	content TEXT NOT NULL,
	pinned INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	edited_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	emoji TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);

CREATE TABLE IF NOT EXISTS emojis (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	short_name TEXT NOT NULL,
	host TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_emojis_server ON emojis(server_id);

CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dm_conversations (
	id TEXT PRIMARY KEY,
	user_a TEXT NOT NULL,
	user_b TEXT NOT NULL,
	last_message_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dm_messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	content TEXT NOT NULL,
	system INTEGER NOT NULL DEFAULT 0,
	call_log TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dm_messages_conv ON dm_messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS call_logs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	duration INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_logs_conv ON call_logs(conversation_id, started_at);

CREATE TABLE IF NOT EXISTS bots (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT '',
	token_hash TEXT NOT NULL UNIQUE,
	webhook_url TEXT NOT NULL DEFAULT '',
	webhook_secret TEXT NOT NULL DEFAULT '',
	permissions TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS bot_servers (
	bot_id TEXT NOT NULL,
	server_id TEXT NOT NULL,
	PRIMARY KEY (bot_id, server_id)
);

CREATE TABLE IF NOT EXISTS federation_peers (
	peer_id TEXT PRIMARY KEY,
	host TEXT NOT NULL UNIQUE,
	base_url TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	shared_secret TEXT NOT NULL,
	status TEXT NOT NULL,
	direction TEXT NOT NULL,
	last_seen_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS relay_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	target_peer_id TEXT NOT NULL,
	from_host TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_queue_peer ON relay_queue(target_peer_id, seq);

CREATE TABLE IF NOT EXISTS e2e_blobs (
	scope TEXT NOT NULL,
	key TEXT NOT NULL,
	blob BLOB NOT NULL,
	PRIMARY KEY (scope, key)
);
`

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store, applies the schema, and then runs
// a setup function. Useful for tests to seed data.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(s.db); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserDirectory implementation ====

const userColumns = `id, username, email, display_name, avatar, status, custom_status, age_verified, created_at`

func scanUser(row interface{ Scan(...any) error }) (*store.UserRecord, error) {
	var u store.UserRecord
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.DisplayName,
		&u.Avatar,
		&u.Status,
		&u.CustomStatus,
		&u.AgeVerified,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser retrieves a user by ID. Returns (nil, nil) when the user is unknown.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*store.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetAll retrieves every user in the directory.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]*store.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*store.UserRecord
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetStatus updates a user's presence status and custom status text.
func (s *SQLiteStore) SetStatus(ctx context.Context, id, status, customStatus string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, custom_status = ? WHERE id = ?`,
		status, customStatus, id)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	return nil
}

// IsAgeVerified reports whether the user passed age verification.
func (s *SQLiteStore) IsAgeVerified(ctx context.Context, id string) (bool, error) {
	var verified bool
	err := s.db.QueryRowContext(ctx, `SELECT age_verified FROM users WHERE id = ?`, id).Scan(&verified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query age verification: %w", err)
	}
	return verified, nil
}

// IsBlocked reports whether either user blocks the other.
func (s *SQLiteStore) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_blocks
		 WHERE (user_id = ? AND blocked_id = ?) OR (user_id = ? AND blocked_id = ?)`,
		userID, otherID, otherID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query blocks: %w", err)
	}
	return n > 0, nil
}

// ==== MessageStore implementation ====

// AddMessage persists a channel message.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *store.ChannelMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, pinned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, msg.Pinned, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// EditMessage updates a message's content if the author matches. Returns the
// updated message, or nil when the message does not exist or the author
// does not match.
func (s *SQLiteStore) EditMessage(ctx context.Context, channelID, msgID, authorID, content string) (*store.ChannelMessage, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ?
		 WHERE id = ? AND channel_id = ? AND author_id = ?`,
		content, now, msgID, channelID, authorID)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	var msg store.ChannelMessage
	err = s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, author_id, content, pinned, created_at, edited_at
		 FROM messages WHERE id = ?`, msgID).Scan(
		&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content, &msg.Pinned, &msg.CreatedAt, &msg.EditedAt)
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return &msg, nil
}

// DeleteMessage removes a message if the author matches.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, channelID, msgID, authorID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND channel_id = ? AND author_id = ?`,
		msgID, channelID, authorID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetPinned flips a message's pinned flag.
func (s *SQLiteStore) SetPinned(ctx context.Context, channelID, msgID string, pinned bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET pinned = ? WHERE id = ? AND channel_id = ?`,
		pinned, msgID, channelID)
	if err != nil {
		return fmt.Errorf("update pinned: %w", err)
	}
	return nil
}

// FindChannel retrieves channel metadata. Returns (nil, nil) when unknown.
func (s *SQLiteStore) FindChannel(ctx context.Context, channelID string) (*store.ChannelInfo, error) {
	var ch store.ChannelInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, nsfw, slow_mode_seconds, position
		 FROM channels WHERE id = ?`, channelID).Scan(
		&ch.ID, &ch.ServerID, &ch.Name, &ch.NSFW, &ch.SlowModeSeconds, &ch.Position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return &ch, nil
}

// ==== ReactionStore implementation ====

// AddReaction records a reaction and returns the message's full reaction set.
func (s *SQLiteStore) AddReaction(ctx context.Context, msgID, userID, emoji string) ([]store.Reaction, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`,
		msgID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("insert reaction: %w", err)
	}
	return s.reactionsFor(ctx, msgID)
}

// RemoveReaction deletes a reaction and returns the message's full reaction set.
func (s *SQLiteStore) RemoveReaction(ctx context.Context, msgID, userID, emoji string) ([]store.Reaction, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		msgID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("delete reaction: %w", err)
	}
	return s.reactionsFor(ctx, msgID)
}

func (s *SQLiteStore) reactionsFor(ctx context.Context, msgID string) ([]store.Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id, emoji FROM reactions WHERE message_id = ? ORDER BY emoji, user_id`,
		msgID)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	reactions := []store.Reaction{}
	for rows.Next() {
		var r store.Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// ==== DMStore implementation ====

// AddDMMessage persists a direct message. Call logs are stored as JSON.
func (s *SQLiteStore) AddDMMessage(ctx context.Context, msg *store.DMMessage) error {
	var callLog any
	if msg.CallLog != nil {
		data, err := json.Marshal(msg.CallLog)
		if err != nil {
			return fmt.Errorf("marshal call log: %w", err)
		}
		callLog = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dm_messages (id, conversation_id, author_id, content, system, call_log, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.AuthorID, msg.Content, msg.System, callLog, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dm message: %w", err)
	}
	return nil
}

// UpdateLastMessage bumps the conversation's last-message timestamp, creating
// the conversation row if needed.
func (s *SQLiteStore) UpdateLastMessage(ctx context.Context, conversationID, fromID, toID string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE dm_conversations SET last_message_at = ? WHERE id = ?`,
		now, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO dm_conversations (id, user_a, user_b, last_message_at) VALUES (?, ?, ?, ?)`,
			conversationID, fromID, toID, now)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	}
	return nil
}

// LogCall records a finished call in the conversation's call history.
func (s *SQLiteStore) LogCall(ctx context.Context, entry *store.CallLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_logs (id, conversation_id, caller_id, recipient_id, type, status, duration, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, entry.CallerID, entry.RecipientID,
		entry.Type, entry.Status, entry.Duration, entry.StartedAt, entry.EndedAt)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// GetCallLogs returns the most recent call logs for a conversation.
func (s *SQLiteStore) GetCallLogs(ctx context.Context, conversationID string, limit int) ([]*store.CallLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, caller_id, recipient_id, type, status, duration, started_at, ended_at
		 FROM call_logs WHERE conversation_id = ?
		 ORDER BY started_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query call logs: %w", err)
	}
	defer rows.Close()

	var logs []*store.CallLogEntry
	for rows.Next() {
		var e store.CallLogEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.CallerID, &e.RecipientID,
			&e.Type, &e.Status, &e.Duration, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		logs = append(logs, &e)
	}
	return logs, rows.Err()
}

// ==== ServerStore implementation ====

// GetServerMembers returns the user IDs that belong to a server.
func (s *SQLiteStore) GetServerMembers(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM server_members WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query server members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ListServerEmojis returns the server's custom emojis.
func (s *SQLiteStore) ListServerEmojis(ctx context.Context, serverID string) ([]store.Emoji, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, short_name, host FROM emojis WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query emojis: %w", err)
	}
	defer rows.Close()

	var emojis []store.Emoji
	for rows.Next() {
		var e store.Emoji
		if err := rows.Scan(&e.ID, &e.ServerID, &e.ShortName, &e.Host); err != nil {
			return nil, fmt.Errorf("scan emoji: %w", err)
		}
		emojis = append(emojis, e)
	}
	return emojis, rows.Err()
}

// UpdateServer renames a server.
func (s *SQLiteStore) UpdateServer(ctx context.Context, serverID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET name = ? WHERE id = ?`, name, serverID)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return nil
}

// CreateChannel inserts a channel.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *store.ChannelInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, server_id, name, nsfw, slow_mode_seconds, position)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.ServerID, ch.Name, ch.NSFW, ch.SlowModeSeconds, ch.Position)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// UpdateChannel updates a channel's mutable fields.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *store.ChannelInfo) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET name = ?, nsfw = ?, slow_mode_seconds = ? WHERE id = ?`,
		ch.Name, ch.NSFW, ch.SlowModeSeconds, ch.ID)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel and its messages.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete channel messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return tx.Commit()
}

// OrderChannels rewrites channel positions to match the given order.
func (s *SQLiteStore) OrderChannels(ctx context.Context, serverID string, channelIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for pos, id := range channelIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET position = ? WHERE id = ? AND server_id = ?`,
			pos, id, serverID); err != nil {
			return fmt.Errorf("update channel position: %w", err)
		}
	}
	return tx.Commit()
}

// CreateRole inserts a role.
func (s *SQLiteStore) CreateRole(ctx context.Context, role *store.RoleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, server_id, name, color, position) VALUES (?, ?, ?, ?, ?)`,
		role.ID, role.ServerID, role.Name, role.Color, role.Position)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// UpdateRole updates a role's mutable fields.
func (s *SQLiteStore) UpdateRole(ctx context.Context, role *store.RoleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = ?, color = ?, position = ? WHERE id = ?`,
		role.Name, role.Color, role.Position, role.ID)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return nil
}

// DeleteRole removes a role.
func (s *SQLiteStore) DeleteRole(ctx context.Context, roleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, roleID)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return nil
}

// ==== BotRegistry implementation ====

func (s *SQLiteStore) scanBot(ctx context.Context, row interface{ Scan(...any) error }) (*store.BotRecord, error) {
	var (
		b     store.BotRecord
		perms string
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Avatar, &b.TokenHash,
		&b.WebhookURL, &b.WebhookSecret, &perms)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &b.Permissions); err != nil {
		return nil, fmt.Errorf("decode bot permissions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT server_id FROM bot_servers WHERE bot_id = ?`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("query bot servers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bot server: %w", err)
		}
		b.ServerIDs = append(b.ServerIDs, id)
	}
	return &b, rows.Err()
}

const botColumns = `id, owner_id, name, avatar, token_hash, webhook_url, webhook_secret, permissions`

// GetBot retrieves a bot by ID. Returns (nil, nil) when unknown.
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*store.BotRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	bot, err := s.scanBot(ctx, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query bot: %w", err)
	}
	return bot, nil
}

// GetBotByTokenHash resolves a bot by the SHA-256 hex of its token.
func (s *SQLiteStore) GetBotByTokenHash(ctx context.Context, tokenHash string) (*store.BotRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE token_hash = ?`, tokenHash)
	bot, err := s.scanBot(ctx, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query bot by token: %w", err)
	}
	return bot, nil
}

// HasPermission reports whether the bot holds a permission key. The wildcard
// "*" grants everything.
func (s *SQLiteStore) HasPermission(ctx context.Context, botID, key string) (bool, error) {
	bot, err := s.GetBot(ctx, botID)
	if err != nil {
		return false, err
	}
	if bot == nil {
		return false, nil
	}
	for _, p := range bot.Permissions {
		if p == "*" || p == key {
			return true, nil
		}
	}
	return false, nil
}

// RemoveBotFromServer detaches a bot from a server.
func (s *SQLiteStore) RemoveBotFromServer(ctx context.Context, botID, serverID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bot_servers WHERE bot_id = ? AND server_id = ?`, botID, serverID)
	if err != nil {
		return fmt.Errorf("delete bot server: %w", err)
	}
	return nil
}

// ==== FederationStore implementation ====

// AddPeer inserts a federation peer.
func (s *SQLiteStore) AddPeer(ctx context.Context, peer *store.FederationPeer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO federation_peers (peer_id, host, base_url, name, shared_secret, status, direction, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		peer.PeerID, peer.Host, peer.BaseURL, peer.Name, peer.SharedSecret,
		string(peer.Status), string(peer.Direction), peer.LastSeenAt)
	if err != nil {
		return fmt.Errorf("insert peer: %w", err)
	}
	return nil
}

// UpdatePeer rewrites a peer's mutable fields.
func (s *SQLiteStore) UpdatePeer(ctx context.Context, peer *store.FederationPeer) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE federation_peers
		 SET host = ?, base_url = ?, name = ?, shared_secret = ?, status = ?, direction = ?, last_seen_at = ?
		 WHERE peer_id = ?`,
		peer.Host, peer.BaseURL, peer.Name, peer.SharedSecret,
		string(peer.Status), string(peer.Direction), peer.LastSeenAt, peer.PeerID)
	if err != nil {
		return fmt.Errorf("update peer: %w", err)
	}
	return nil
}

// RemovePeer deletes a peer and its queued relay messages.
func (s *SQLiteStore) RemovePeer(ctx context.Context, peerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM relay_queue WHERE target_peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete relay queue: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM federation_peers WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	return tx.Commit()
}

// AcceptPeer marks a pending peer as connected.
func (s *SQLiteStore) AcceptPeer(ctx context.Context, peerID string) error {
	return s.setPeerStatus(ctx, peerID, store.PeerStatusConnected)
}

// RejectPeer marks a peer as rejected.
func (s *SQLiteStore) RejectPeer(ctx context.Context, peerID string) error {
	return s.setPeerStatus(ctx, peerID, store.PeerStatusRejected)
}

func (s *SQLiteStore) setPeerStatus(ctx context.Context, peerID string, status store.PeerStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE federation_peers SET status = ? WHERE peer_id = ?`, string(status), peerID)
	if err != nil {
		return fmt.Errorf("update peer status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("peer not found: %s", peerID)
	}
	return nil
}

const peerColumns = `peer_id, host, base_url, name, shared_secret, status, direction, last_seen_at`

func scanPeer(row interface{ Scan(...any) error }) (*store.FederationPeer, error) {
	var (
		p        store.FederationPeer
		lastSeen sql.NullTime
	)
	err := row.Scan(&p.PeerID, &p.Host, &p.BaseURL, &p.Name, &p.SharedSecret,
		&p.Status, &p.Direction, &lastSeen)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		p.LastSeenAt = lastSeen.Time
	}
	return &p, nil
}

// GetPeer retrieves a peer by ID. Returns (nil, nil) when unknown.
func (s *SQLiteStore) GetPeer(ctx context.Context, peerID string) (*store.FederationPeer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM federation_peers WHERE peer_id = ?`, peerID)
	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query peer: %w", err)
	}
	return peer, nil
}

// GetPeerByHost retrieves a peer by host. Returns (nil, nil) when unknown.
func (s *SQLiteStore) GetPeerByHost(ctx context.Context, host string) (*store.FederationPeer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM federation_peers WHERE host = ?`, host)
	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query peer by host: %w", err)
	}
	return peer, nil
}

// ListPeers returns all federation peers.
func (s *SQLiteStore) ListPeers(ctx context.Context) ([]*store.FederationPeer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM federation_peers ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var peers []*store.FederationPeer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// QueueRelayMessage appends a message to the peer's FIFO relay queue.
func (s *SQLiteStore) QueueRelayMessage(ctx context.Context, msg *store.RelayMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_queue (id, target_peer_id, from_host, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TargetPeerID, msg.FromHost, msg.Type, msg.Payload, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert relay message: %w", err)
	}
	return nil
}

// DequeueRelayMessages atomically removes and returns up to count head items
// of the peer's FIFO queue.
func (s *SQLiteStore) DequeueRelayMessages(ctx context.Context, peerID string, count int) ([]*store.RelayMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, id, target_peer_id, from_host, type, payload, created_at
		 FROM relay_queue WHERE target_peer_id = ?
		 ORDER BY seq LIMIT ?`,
		peerID, count)
	if err != nil {
		return nil, fmt.Errorf("query relay queue: %w", err)
	}

	var (
		msgs []*store.RelayMessage
		seqs []string
	)
	for rows.Next() {
		var (
			seq int64
			m   store.RelayMessage
		)
		if err := rows.Scan(&seq, &m.ID, &m.TargetPeerID, &m.FromHost, &m.Type, &m.Payload, &m.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan relay message: %w", err)
		}
		msgs = append(msgs, &m)
		seqs = append(seqs, fmt.Sprintf("%d", seq))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate relay queue: %w", err)
	}
	rows.Close()

	if len(seqs) > 0 {
		query := `DELETE FROM relay_queue WHERE seq IN (` + strings.Join(seqs, ",") + `)`
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("delete relay messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return msgs, nil
}

// ==== E2EStore implementation ====

// GetBlob returns a stored blob, or nil when absent.
func (s *SQLiteStore) GetBlob(ctx context.Context, scope, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM e2e_blobs WHERE scope = ? AND key = ?`, scope, key).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return blob, nil
}

// PutBlob stores or replaces a blob.
func (s *SQLiteStore) PutBlob(ctx context.Context, scope, key string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO e2e_blobs (scope, key, blob) VALUES (?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET blob = excluded.blob`,
		scope, key, blob)
	if err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

// DeleteBlob removes a blob.
func (s *SQLiteStore) DeleteBlob(ctx context.Context, scope, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM e2e_blobs WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// ListBlobs returns all blobs in a scope whose key has the given prefix.
func (s *SQLiteStore) ListBlobs(ctx context.Context, scope, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, blob FROM e2e_blobs WHERE scope = ? AND key LIKE ? || '%'`,
		scope, prefix)
	if err != nil {
		return nil, fmt.Errorf("query blobs: %w", err)
	}
	defer rows.Close()

	blobs := map[string][]byte{}
	for rows.Next() {
		var (
			key  string
			blob []byte
		)
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs[key] = blob
	}
	return blobs, rows.Err()
}

var _ store.Store = (*SQLiteStore)(nil)
