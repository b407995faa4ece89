package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Enclicainteractive/voltage-server/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewWithSetup(":memory:", func(db *sql.DB) error {
		seed := `
		INSERT INTO users (id, username, email, display_name, avatar, age_verified)
		VALUES ('u-alice', 'alice', 'alice@example.org', 'Alice', '', 1),
		       ('u-bob', 'bob', 'bob@example.org', 'Bob', '', 0);

		INSERT INTO user_blocks (user_id, blocked_id) VALUES ('u-alice', 'u-bob');

		INSERT INTO channels (id, server_id, name, nsfw, slow_mode_seconds, position)
		VALUES ('ch-general', 's-main', 'general', 0, 0, 0),
		       ('ch-rules', 's-main', 'rules', 0, 0, 1);

		INSERT INTO federation_peers (peer_id, host, shared_secret, status, direction)
		VALUES ('peer-1', 'remote.example', 'secret', 'connected', 'outgoing');
		`
		_, err := db.Exec(seed)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserLookupAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "u-alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u == nil || u.DisplayName != "Alice" || !u.AgeVerified {
		t.Fatalf("unexpected user: %+v", u)
	}

	ghost, err := s.GetUser(ctx, "u-ghost")
	if err != nil || ghost != nil {
		t.Fatalf("unknown user must be (nil, nil), got %+v %v", ghost, err)
	}

	if err := s.SetStatus(ctx, "u-alice", "online", "hacking"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	u, _ = s.GetUser(ctx, "u-alice")
	if u.Status != "online" || u.CustomStatus != "hacking" {
		t.Fatalf("status not persisted: %+v", u)
	}

	verified, err := s.IsAgeVerified(ctx, "u-bob")
	if err != nil || verified {
		t.Fatalf("expected unverified, got %v %v", verified, err)
	}
	if v, _ := s.IsAgeVerified(ctx, "u-ghost"); v {
		t.Fatalf("unknown user must not be verified")
	}
}

func TestIsBlockedEitherDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if blocked, _ := s.IsBlocked(ctx, "u-alice", "u-bob"); !blocked {
		t.Fatalf("expected block to apply")
	}
	if blocked, _ := s.IsBlocked(ctx, "u-bob", "u-alice"); !blocked {
		t.Fatalf("block must be bidirectional")
	}
	if blocked, _ := s.IsBlocked(ctx, "u-alice", "u-carol"); blocked {
		t.Fatalf("unrelated users must not be blocked")
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &store.ChannelMessage{
		ID:        "m-1",
		ChannelID: "ch-general",
		AuthorID:  "u-alice",
		Content:   "first",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AddMessage(ctx, msg); err != nil {
		t.Fatalf("add message: %v", err)
	}

	// edits are author-scoped
	stolen, err := s.EditMessage(ctx, "ch-general", "m-1", "u-bob", "hijack")
	if err != nil || stolen != nil {
		t.Fatalf("foreign edit must be (nil, nil), got %+v %v", stolen, err)
	}
	edited, err := s.EditMessage(ctx, "ch-general", "m-1", "u-alice", "fixed")
	if err != nil {
		t.Fatalf("edit message: %v", err)
	}
	if edited == nil || edited.Content != "fixed" || edited.EditedAt == nil {
		t.Fatalf("unexpected edit result: %+v", edited)
	}

	if err := s.SetPinned(ctx, "ch-general", "m-1", true); err != nil {
		t.Fatalf("set pinned: %v", err)
	}

	ok, err := s.DeleteMessage(ctx, "ch-general", "m-1", "u-bob")
	if err != nil || ok {
		t.Fatalf("foreign delete must report false, got %v %v", ok, err)
	}
	ok, err = s.DeleteMessage(ctx, "ch-general", "m-1", "u-alice")
	if err != nil || !ok {
		t.Fatalf("delete message: %v %v", ok, err)
	}
}

func TestFindChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, err := s.FindChannel(ctx, "ch-general")
	if err != nil {
		t.Fatalf("find channel: %v", err)
	}
	if ch == nil || ch.ServerID != "s-main" || ch.Name != "general" {
		t.Fatalf("unexpected channel: %+v", ch)
	}

	missing, err := s.FindChannel(ctx, "ch-missing")
	if err != nil || missing != nil {
		t.Fatalf("unknown channel must be (nil, nil), got %+v %v", missing, err)
	}
}

func TestReactionsReturnFullSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	set, err := s.AddReaction(ctx, "m-1", "u-alice", "🔥")
	if err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected one reaction, got %+v", set)
	}

	// duplicates are ignored
	set, err = s.AddReaction(ctx, "m-1", "u-alice", "🔥")
	if err != nil || len(set) != 1 {
		t.Fatalf("duplicate reaction must be a no-op, got %+v %v", set, err)
	}

	set, _ = s.AddReaction(ctx, "m-1", "u-bob", "🔥")
	if len(set) != 2 {
		t.Fatalf("expected two reactions, got %+v", set)
	}

	set, err = s.RemoveReaction(ctx, "m-1", "u-alice", "🔥")
	if err != nil || len(set) != 1 || set[0].UserID != "u-bob" {
		t.Fatalf("unexpected set after removal: %+v %v", set, err)
	}

	set, _ = s.RemoveReaction(ctx, "m-1", "u-bob", "🔥")
	if set == nil || len(set) != 0 {
		t.Fatalf("empty set must be non-nil, got %#v", set)
	}
}

func TestChannelAdministration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := &store.ChannelInfo{ID: "ch-new", ServerID: "s-main", Name: "new", SlowModeSeconds: 5}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	ch.Name = "renamed"
	ch.NSFW = true
	if err := s.UpdateChannel(ctx, ch); err != nil {
		t.Fatalf("update channel: %v", err)
	}
	got, _ := s.FindChannel(ctx, "ch-new")
	if got.Name != "renamed" || !got.NSFW || got.SlowModeSeconds != 5 {
		t.Fatalf("unexpected channel: %+v", got)
	}

	if err := s.OrderChannels(ctx, "s-main", []string{"ch-new", "ch-rules", "ch-general"}); err != nil {
		t.Fatalf("order channels: %v", err)
	}
	first, _ := s.FindChannel(ctx, "ch-new")
	last, _ := s.FindChannel(ctx, "ch-general")
	if first.Position != 0 || last.Position != 2 {
		t.Fatalf("unexpected positions: %d %d", first.Position, last.Position)
	}

	// deleting a channel removes its messages too
	if err := s.AddMessage(ctx, &store.ChannelMessage{
		ID: "m-gone", ChannelID: "ch-new", AuthorID: "u-alice", Content: "x", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := s.DeleteChannel(ctx, "ch-new"); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
	if got, _ := s.FindChannel(ctx, "ch-new"); got != nil {
		t.Fatalf("channel must be gone, got %+v", got)
	}
	if edited, _ := s.EditMessage(ctx, "ch-new", "m-gone", "u-alice", "y"); edited != nil {
		t.Fatalf("channel messages must be gone, got %+v", edited)
	}
}

func TestDMConversationUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateLastMessage(ctx, "conv-1", "u-alice", "u-bob"); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
	// second update hits the existing row
	if err := s.UpdateLastMessage(ctx, "conv-1", "u-alice", "u-bob"); err != nil {
		t.Fatalf("update conversation: %v", err)
	}

	msg := &store.DMMessage{
		ID:             "dm-1",
		ConversationID: "conv-1",
		AuthorID:       "u-alice",
		Content:        "📞 Call ended · 1m 35s",
		System:         true,
		CallLog:        &store.CallLogMeta{Type: "audio", Status: "ended", Duration: 95},
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.AddDMMessage(ctx, msg); err != nil {
		t.Fatalf("add dm message: %v", err)
	}
}

func TestCallLogsOrderedAndLimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.LogCall(ctx, &store.CallLogEntry{
			ID:             "cl-" + string(rune('a'+i)),
			ConversationID: "conv-1",
			CallerID:       "u-alice",
			RecipientID:    "u-bob",
			Type:           "audio",
			Status:         "ended",
			Duration:       i * 10,
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			EndedAt:        base.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		if err != nil {
			t.Fatalf("log call: %v", err)
		}
	}

	logs, err := s.GetCallLogs(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("get call logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(logs))
	}
	if !logs[0].StartedAt.After(logs[1].StartedAt) {
		t.Fatalf("expected newest-first ordering: %+v", logs)
	}
}

func TestRelayQueueFIFOAndDestructiveDequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		err := s.QueueRelayMessage(ctx, &store.RelayMessage{
			ID:           id,
			TargetPeerID: "peer-1",
			FromHost:     "local.example",
			Type:         "mention:relay",
			Payload:      []byte(`{}`),
			Timestamp:    time.Now(),
		})
		if err != nil {
			t.Fatalf("queue relay: %v", err)
		}
	}

	batch, err := s.DequeueRelayMessages(ctx, "peer-1", 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "r-1" || batch[1].ID != "r-2" {
		t.Fatalf("expected FIFO head, got %+v", batch)
	}

	rest, err := s.DequeueRelayMessages(ctx, "peer-1", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "r-3" {
		t.Fatalf("dequeue must be destructive, got %+v", rest)
	}
}

func TestPeerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	peer := &store.FederationPeer{
		PeerID:       "peer-2",
		Host:         "other.example",
		SharedSecret: "s",
		Status:       store.PeerStatusPending,
		Direction:    store.PeerDirectionIncoming,
	}
	if err := s.AddPeer(ctx, peer); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	if err := s.AcceptPeer(ctx, "peer-2"); err != nil {
		t.Fatalf("accept peer: %v", err)
	}
	got, _ := s.GetPeer(ctx, "peer-2")
	if got.Status != store.PeerStatusConnected {
		t.Fatalf("expected connected, got %s", got.Status)
	}

	if err := s.RejectPeer(ctx, "peer-2"); err != nil {
		t.Fatalf("reject peer: %v", err)
	}
	if err := s.AcceptPeer(ctx, "peer-missing"); err == nil {
		t.Fatalf("accepting an unknown peer must fail")
	}

	peers, err := s.ListPeers(ctx)
	if err != nil || len(peers) != 2 {
		t.Fatalf("expected two peers, got %+v %v", peers, err)
	}

	// removing a peer clears its relay queue
	if err := s.QueueRelayMessage(ctx, &store.RelayMessage{
		ID: "r-x", TargetPeerID: "peer-2", FromHost: "h", Type: "t", Payload: []byte(`{}`), Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("queue relay: %v", err)
	}
	if err := s.RemovePeer(ctx, "peer-2"); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	if left, _ := s.DequeueRelayMessages(ctx, "peer-2", 10); len(left) != 0 {
		t.Fatalf("queue must be cleared with the peer, got %+v", left)
	}
}

func TestE2EBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if blob, err := s.GetBlob(ctx, "server:s-main", "member:u-alice"); err != nil || blob != nil {
		t.Fatalf("missing blob must be (nil, nil), got %v %v", blob, err)
	}

	if err := s.PutBlob(ctx, "server:s-main", "member:u-alice", []byte("key-1")); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	// upsert overwrites
	if err := s.PutBlob(ctx, "server:s-main", "member:u-alice", []byte("key-2")); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if err := s.PutBlob(ctx, "server:s-main", "member:u-bob", []byte("key-b")); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if err := s.PutBlob(ctx, "server:s-main", "epoch", []byte("3")); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	blob, err := s.GetBlob(ctx, "server:s-main", "member:u-alice")
	if err != nil || string(blob) != "key-2" {
		t.Fatalf("unexpected blob: %q %v", blob, err)
	}

	members, err := s.ListBlobs(ctx, "server:s-main", "member:")
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("prefix listing must exclude the epoch key, got %+v", members)
	}

	if err := s.DeleteBlob(ctx, "server:s-main", "member:u-alice"); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	if blob, _ := s.GetBlob(ctx, "server:s-main", "member:u-alice"); blob != nil {
		t.Fatalf("deleted blob must be gone, got %q", blob)
	}
}

func TestBotRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`
		INSERT INTO bots (id, owner_id, name, token_hash, permissions)
		VALUES ('b-echo', 'u-alice', 'echo', 'th-echo', '["messages:send"]'),
		       ('b-admin', 'u-alice', 'admin', 'th-admin', '["*"]');
		INSERT INTO bot_servers (bot_id, server_id)
		VALUES ('b-echo', 's-main'), ('b-echo', 's-side');
	`)
	if err != nil {
		t.Fatalf("seed bots: %v", err)
	}

	b, err := s.GetBot(ctx, "b-echo")
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if b == nil || len(b.Permissions) != 1 || len(b.ServerIDs) != 2 {
		t.Fatalf("unexpected bot: %+v", b)
	}

	if got, _ := s.GetBotByTokenHash(ctx, "th-echo"); got == nil || got.ID != "b-echo" {
		t.Fatalf("token hash lookup failed: %+v", got)
	}
	if got, _ := s.GetBotByTokenHash(ctx, "th-nope"); got != nil {
		t.Fatalf("unknown hash must be (nil, nil), got %+v", got)
	}

	if ok, _ := s.HasPermission(ctx, "b-echo", "messages:send"); !ok {
		t.Fatalf("expected permission grant")
	}
	if ok, _ := s.HasPermission(ctx, "b-echo", "servers:manage"); ok {
		t.Fatalf("unexpected permission grant")
	}
	if ok, _ := s.HasPermission(ctx, "b-admin", "anything:at-all"); !ok {
		t.Fatalf("wildcard must grant everything")
	}

	if err := s.RemoveBotFromServer(ctx, "b-echo", "s-side"); err != nil {
		t.Fatalf("remove bot from server: %v", err)
	}
	b, _ = s.GetBot(ctx, "b-echo")
	if len(b.ServerIDs) != 1 || b.ServerIDs[0] != "s-main" {
		t.Fatalf("unexpected server scoping: %+v", b.ServerIDs)
	}
}
