package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/store"
	"github.com/Enclicainteractive/voltage-server/internal/store/sqlite"
)

func newTestService(t *testing.T, autoAccept bool) (*Service, *sqlite.SQLiteStore) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	return NewService(st, "local.example", "Local", autoAccept, &logger), st
}

func addPeer(t *testing.T, st *sqlite.SQLiteStore, host string, status store.PeerStatus) *store.FederationPeer {
	t.Helper()

	peer := &store.FederationPeer{
		PeerID:       "peer-" + host,
		Host:         host,
		Name:         host,
		SharedSecret: "secret-" + host,
		Status:       status,
		Direction:    store.PeerDirectionIncoming,
		LastSeenAt:   time.Now(),
	}
	if err := st.AddPeer(context.Background(), peer); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	return peer
}

func TestAcceptHandshakeConnectsKnownPeer(t *testing.T) {
	svc, st := newTestService(t, false)
	peer := addPeer(t, st, "remote.example", store.PeerStatusConnected)
	ctx := context.Background()

	token, err := svc.GenerateHandshake(peer)
	if err != nil {
		t.Fatalf("generate handshake: %v", err)
	}

	got, err := svc.AcceptHandshake(ctx, token)
	if err != nil {
		t.Fatalf("accept handshake: %v", err)
	}
	if got.Status != store.PeerStatusConnected {
		t.Fatalf("expected connected peer, got %s", got.Status)
	}

	stored, err := st.GetPeerByHost(ctx, "remote.example")
	if err != nil || stored == nil {
		t.Fatalf("load peer: %v", err)
	}
	if stored.LastSeenAt.IsZero() {
		t.Fatalf("last seen must refresh on handshake")
	}
}

func TestAcceptHandshakeLeavesPendingWithoutAutoAccept(t *testing.T) {
	svc, st := newTestService(t, false)
	peer := addPeer(t, st, "remote.example", store.PeerStatusPending)
	ctx := context.Background()

	token, err := svc.GenerateHandshake(peer)
	if err != nil {
		t.Fatalf("generate handshake: %v", err)
	}

	got, err := svc.AcceptHandshake(ctx, token)
	if err != nil {
		t.Fatalf("accept handshake: %v", err)
	}
	if got.Status != store.PeerStatusPending {
		t.Fatalf("pending peer must stay pending until approved, got %s", got.Status)
	}
}

func TestAcceptHandshakeAutoAcceptPromotesPending(t *testing.T) {
	svc, st := newTestService(t, true)
	peer := addPeer(t, st, "remote.example", store.PeerStatusPending)
	ctx := context.Background()

	token, err := svc.GenerateHandshake(peer)
	if err != nil {
		t.Fatalf("generate handshake: %v", err)
	}

	got, err := svc.AcceptHandshake(ctx, token)
	if err != nil {
		t.Fatalf("accept handshake: %v", err)
	}
	if got.Status != store.PeerStatusConnected {
		t.Fatalf("auto-accept must promote pending peers, got %s", got.Status)
	}
}

func TestAcceptHandshakeRejections(t *testing.T) {
	svc, st := newTestService(t, true)
	rejected := addPeer(t, st, "banned.example", store.PeerStatusRejected)
	ctx := context.Background()

	token, err := svc.GenerateHandshake(rejected)
	if err != nil {
		t.Fatalf("generate handshake: %v", err)
	}
	if _, err := svc.AcceptHandshake(ctx, token); err == nil {
		t.Fatalf("rejected peer must not handshake")
	}
	if _, err := svc.AcceptHandshake(ctx, "garbage"); err == nil {
		t.Fatalf("invalid token must not handshake")
	}
}

func TestQueueRelayRequiresConnectedPeer(t *testing.T) {
	svc, st := newTestService(t, false)
	connected := addPeer(t, st, "up.example", store.PeerStatusConnected)
	addPeer(t, st, "down.example", store.PeerStatusPending)
	ctx := context.Background()

	if !svc.QueueMentionRelay(ctx, "up.example", map[string]string{"name": "zoe"}) {
		t.Fatalf("relay to a connected peer must queue")
	}
	if svc.QueueMentionRelay(ctx, "down.example", map[string]string{"name": "zoe"}) {
		t.Fatalf("relay to a pending peer must be refused")
	}
	if svc.QueueMentionRelay(ctx, "nowhere.example", nil) {
		t.Fatalf("relay to an unknown host must be refused")
	}

	msgs, err := svc.DrainRelay(ctx, connected.PeerID, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != "mention:relay" || msgs[0].FromHost != "local.example" {
		t.Fatalf("unexpected queue contents: %+v", msgs)
	}

	// the drain is destructive
	again, err := svc.DrainRelay(ctx, connected.PeerID, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty queue after drain, got %+v", again)
	}
}

func TestRegisterIncomingPeer(t *testing.T) {
	svc, st := newTestService(t, false)
	ctx := context.Background()

	peer, err := svc.RegisterIncomingPeer(ctx, "new.example", "New", "their-secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if peer.Status != store.PeerStatusPending || peer.Direction != store.PeerDirectionIncoming {
		t.Fatalf("unexpected peer: %+v", peer)
	}

	// re-registering the same host reuses the stored peer
	same, err := svc.RegisterIncomingPeer(ctx, "new.example", "Renamed", "other-secret")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if same.PeerID != peer.PeerID || same.SharedSecret != "their-secret" {
		t.Fatalf("expected existing peer back, got %+v", same)
	}

	if _, err := st.GetPeerByHost(ctx, "new.example"); err != nil {
		t.Fatalf("load peer: %v", err)
	}
}

func TestRegisterIncomingPeerAutoAccept(t *testing.T) {
	svc, _ := newTestService(t, true)

	peer, err := svc.RegisterIncomingPeer(context.Background(), "mesh.example", "Mesh", "s")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if peer.Status != store.PeerStatusConnected {
		t.Fatalf("auto-accept must connect incoming peers, got %s", peer.Status)
	}
}

func TestAutoPeerHandshakeFlow(t *testing.T) {
	var handshake handshakeRequest
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/federation/info":
			json.NewEncoder(w).Encode(Info{Host: "remote.example", Name: "Remote"})
		case "/api/federation/handshake":
			if err := json.NewDecoder(r.Body).Decode(&handshake); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer remote.Close()

	svc, st := newTestService(t, false)
	ctx := context.Background()

	peer, err := svc.AutoPeer(ctx, remote.URL)
	if err != nil {
		t.Fatalf("auto peer: %v", err)
	}
	if peer.Status != store.PeerStatusConnected {
		t.Fatalf("successful handshake must connect, got %s", peer.Status)
	}
	if peer.Name != "Remote" {
		t.Fatalf("peer name must come from remote info, got %q", peer.Name)
	}

	if handshake.Host != "local.example" || handshake.SharedSecret != peer.SharedSecret {
		t.Fatalf("unexpected handshake body: %+v", handshake)
	}
	if VerifyToken(handshake.Token, func(string) *store.FederationPeer { return peer }, time.Now()) == nil {
		t.Fatalf("handshake token must verify under the shared secret")
	}

	// a second auto-peer call reuses the connected peer
	again, err := svc.AutoPeer(ctx, remote.URL)
	if err != nil {
		t.Fatalf("auto peer again: %v", err)
	}
	if again.PeerID != peer.PeerID {
		t.Fatalf("expected peer reuse, got %+v", again)
	}

	stored, err := st.GetPeerByHost(ctx, peer.Host)
	if err != nil || stored == nil || stored.Status != store.PeerStatusConnected {
		t.Fatalf("stored peer mismatch: %+v %v", stored, err)
	}
}

func TestAutoPeerHandshakeFailureLeavesPending(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/federation/info":
			json.NewEncoder(w).Encode(Info{Host: "flaky.example", Name: "Flaky"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer remote.Close()

	svc, _ := newTestService(t, false)

	peer, err := svc.AutoPeer(context.Background(), remote.URL)
	if err != nil {
		t.Fatalf("auto peer: %v", err)
	}
	if peer.Status != store.PeerStatusPending {
		t.Fatalf("failed handshake must leave the peer pending, got %s", peer.Status)
	}
}

func TestNotifyMemberJoinedSignsRequest(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body map[string]string
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer remote.Close()

	svc, st := newTestService(t, false)
	peer := addPeer(t, st, "remote.example", store.PeerStatusConnected)
	peer.BaseURL = remote.URL
	if err := st.UpdatePeer(context.Background(), peer); err != nil {
		t.Fatalf("update peer: %v", err)
	}

	svc.NotifyMemberJoined(context.Background(), peer, "s-main", "u-alice")

	req := <-received
	if body["serverId"] != "s-main" || body["userId"] != "u-alice" || body["fromHost"] != "local.example" {
		t.Fatalf("unexpected notify body: %+v", body)
	}
	token := req.Header.Get("X-Volt-Federation-Token")
	if token == "" {
		t.Fatalf("notify must carry a federation token")
	}
	verified := VerifyToken(token, func(host string) *store.FederationPeer {
		if host == "local.example" {
			return peer
		}
		return nil
	}, time.Now())
	if verified == nil {
		t.Fatalf("notify token must verify under the peer's shared secret")
	}
}
