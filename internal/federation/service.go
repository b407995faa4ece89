package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// HTTPTimeout bounds every outbound federation request.
const HTTPTimeout = 8 * time.Second

// Service coordinates the peer directory, handshake exchange, and per-peer
// relay queues.
type Service struct {
	store      store.FederationStore
	host       string
	name       string
	autoAccept bool
	client     *http.Client
	log        zerolog.Logger
	now        func() time.Time
}

// NewService builds the federation service. host and name identify this
// deployment to its peers; autoAccept lets handshakes bypass manual approval
// (intended for trusted meshes only).
func NewService(st store.FederationStore, host, name string, autoAccept bool, logger *zerolog.Logger) *Service {
	return &Service{
		store:      st,
		host:       host,
		name:       name,
		autoAccept: autoAccept,
		client:     &http.Client{Timeout: HTTPTimeout},
		log:        logger.With().Str("component", "federation").Logger(),
		now:        time.Now,
	}
}

// Host returns this deployment's federation host name.
func (s *Service) Host() string { return s.host }

// Info is the public identity served at /api/federation/info.
type Info struct {
	Host string `json:"host"`
	Name string `json:"name"`
}

// LocalInfo returns this deployment's public identity.
func (s *Service) LocalInfo() Info {
	return Info{Host: s.host, Name: s.name}
}

// GenerateHandshake mints a signed token toward the peer.
func (s *Service) GenerateHandshake(peer *store.FederationPeer) (string, error) {
	return GenerateToken(peer, s.now())
}

// VerifyHandshake resolves a handshake token against the peer directory.
// Returns nil when the token is invalid, expired, or from an unknown host.
func (s *Service) VerifyHandshake(ctx context.Context, encoded string) *store.FederationPeer {
	return VerifyToken(encoded, func(host string) *store.FederationPeer {
		peer, err := s.store.GetPeerByHost(ctx, host)
		if err != nil {
			return nil
		}
		return peer
	}, s.now())
}

// AcceptHandshake marks the token's peer as connected when the token checks
// out, refreshing its last-seen time.
func (s *Service) AcceptHandshake(ctx context.Context, encoded string) (*store.FederationPeer, error) {
	peer := s.VerifyHandshake(ctx, encoded)
	if peer == nil {
		return nil, fmt.Errorf("invalid handshake token")
	}
	if peer.Status == store.PeerStatusRejected {
		return nil, fmt.Errorf("peer %s is rejected", peer.Host)
	}
	if peer.Status == store.PeerStatusPending && !s.autoAccept {
		return peer, nil
	}
	peer.Status = store.PeerStatusConnected
	peer.LastSeenAt = s.now()
	if err := s.store.UpdatePeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("update peer: %w", err)
	}
	return peer, nil
}

// QueueMentionRelay enqueues a federated mention for the host's peer.
// Returns false when no connected peer exists for that host.
func (s *Service) QueueMentionRelay(ctx context.Context, host string, payload any) bool {
	return s.QueueRelay(ctx, host, "mention:relay", payload)
}

// QueueRelay appends a typed payload to the peer's FIFO relay queue.
func (s *Service) QueueRelay(ctx context.Context, host, msgType string, payload any) bool {
	peer, err := s.store.GetPeerByHost(ctx, host)
	if err != nil || peer == nil || peer.Status != store.PeerStatusConnected {
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	msg := &store.RelayMessage{
		ID:           ksuid.New().String(),
		TargetPeerID: peer.PeerID,
		FromHost:     s.host,
		Type:         msgType,
		Payload:      body,
		Timestamp:    s.now(),
	}
	if err := s.store.QueueRelayMessage(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("peer", peer.PeerID).Msg("queue relay message")
		return false
	}
	return true
}

// DrainRelay removes and returns up to count head items of the peer's queue.
func (s *Service) DrainRelay(ctx context.Context, peerID string, count int) ([]*store.RelayMessage, error) {
	return s.store.DequeueRelayMessages(ctx, peerID, count)
}

// AutoPeer establishes (or reuses) a peering with the host behind baseURL.
// Already-connected peers are returned as-is. New peers start pending; a
// successful handshake POST promotes them to connected, a failed one leaves
// them pending for a later retry.
func (s *Service) AutoPeer(ctx context.Context, baseURL string) (*store.FederationPeer, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid peer base url %q", baseURL)
	}
	host := parsed.Host

	if existing, err := s.store.GetPeerByHost(ctx, host); err == nil && existing != nil {
		if existing.Status == store.PeerStatusConnected {
			return existing, nil
		}
		if existing.Status == store.PeerStatusRejected {
			return nil, fmt.Errorf("peer %s is rejected", host)
		}
	}

	info, err := s.fetchInfo(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch federation info: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate shared secret: %w", err)
	}

	peer := &store.FederationPeer{
		PeerID:       uuid.New().String(),
		Host:         host,
		BaseURL:      baseURL,
		Name:         info.Name,
		SharedSecret: hex.EncodeToString(secret),
		Status:       store.PeerStatusPending,
		Direction:    store.PeerDirectionOutgoing,
		LastSeenAt:   s.now(),
	}
	if err := s.store.AddPeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("add peer: %w", err)
	}

	if err := s.postHandshake(ctx, peer); err != nil {
		s.log.Warn().Err(err).Str("host", host).Msg("handshake deferred, peer left pending")
		return peer, nil
	}

	peer.Status = store.PeerStatusConnected
	peer.LastSeenAt = s.now()
	if err := s.store.UpdatePeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("update peer: %w", err)
	}
	s.log.Info().Str("host", host).Msg("federation peer connected")
	return peer, nil
}

func (s *Service) fetchInfo(ctx context.Context, baseURL string) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/federation/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation info returned %d", resp.StatusCode)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	if info.Host == "" {
		info.Host = baseURL
	}
	return &info, nil
}

// handshakeRequest is the body POSTed to a remote /api/federation/handshake.
// The shared secret rides along so the remote can verify and store it; this
// is only sound inside a trusted mesh, which is what auto-peering targets.
type handshakeRequest struct {
	Token        string `json:"token"`
	Host         string `json:"host"`
	Name         string `json:"name"`
	SharedSecret string `json:"sharedSecret"`
	AutoAccept   bool   `json:"autoAccept"`
}

func (s *Service) postHandshake(ctx context.Context, peer *store.FederationPeer) error {
	token, err := GenerateToken(&store.FederationPeer{
		PeerID:       peer.PeerID,
		Host:         s.host,
		Name:         s.name,
		SharedSecret: peer.SharedSecret,
	}, s.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(handshakeRequest{
		Token:        token,
		Host:         s.host,
		Name:         s.name,
		SharedSecret: peer.SharedSecret,
		AutoAccept:   s.autoAccept,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.BaseURL+"/api/federation/handshake", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("handshake returned %d", resp.StatusCode)
	}
	return nil
}

// RegisterIncomingPeer stores a peer announced by a remote handshake.
func (s *Service) RegisterIncomingPeer(ctx context.Context, host, name, sharedSecret string) (*store.FederationPeer, error) {
	if existing, err := s.store.GetPeerByHost(ctx, host); err == nil && existing != nil {
		return existing, nil
	}
	status := store.PeerStatusPending
	if s.autoAccept {
		status = store.PeerStatusConnected
	}
	peer := &store.FederationPeer{
		PeerID:       uuid.New().String(),
		Host:         host,
		Name:         name,
		SharedSecret: sharedSecret,
		Status:       status,
		Direction:    store.PeerDirectionIncoming,
		LastSeenAt:   s.now(),
	}
	if err := s.store.AddPeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("add incoming peer: %w", err)
	}
	return peer, nil
}

// NotifyMemberJoined POSTs a member-joined notice to the remote host.
// Failures are logged and swallowed; the join already happened locally.
func (s *Service) NotifyMemberJoined(ctx context.Context, peer *store.FederationPeer, serverID, userID string) {
	body, err := json.Marshal(map[string]string{
		"serverId": serverID,
		"userId":   userID,
		"fromHost": s.host,
	})
	if err != nil {
		return
	}
	token, err := GenerateToken(&store.FederationPeer{
		Host:         s.host,
		Name:         s.name,
		SharedSecret: peer.SharedSecret,
	}, s.now())
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.BaseURL+"/api/federation/member-joined", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Volt-Federation-Token", token)
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("host", peer.Host).Msg("member-joined notify failed")
		return
	}
	resp.Body.Close()
}
