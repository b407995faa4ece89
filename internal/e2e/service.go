package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// Service moves opaque encryption blobs between clients and the blob store.
// It never interprets ciphertext: payloads pass through as raw JSON, and the
// only value the server understands is the epoch number.
type Service struct {
	state *core.State
	blobs store.E2EStore
	log   zerolog.Logger
}

// NewService creates the E2E blob service.
func NewService(state *core.State, blobs store.E2EStore, logger *zerolog.Logger) *Service {
	return &Service{
		state: state,
		blobs: blobs,
		log:   logger.With().Str("component", "e2e").Logger(),
	}
}

func serverScope(serverID string) string { return "server:" + serverID }
func deviceScope(userID string) string   { return "devices:" + userID }
func queueScope(userID string) string    { return "queue:" + userID }
func memberKey(userID string) string     { return "member:" + userID }
func epochKey(serverID string) string    { return "epoch:" + serverID }

// StatusPayload reports whether a server has encrypted members.
type StatusPayload struct {
	ServerID    string `json:"serverId"`
	Enabled     bool   `json:"enabled"`
	MemberCount int    `json:"memberCount"`
}

// ServerStatus reports the encryption status of a server.
func (s *Service) ServerStatus(ctx context.Context, serverID string) (*StatusPayload, error) {
	members, err := s.blobs.ListBlobs(ctx, serverScope(serverID), "member:")
	if err != nil {
		return nil, fmt.Errorf("list member keys: %w", err)
	}
	return &StatusPayload{
		ServerID:    serverID,
		Enabled:     len(members) > 0,
		MemberCount: len(members),
	}, nil
}

// JoinServer stores the member's encrypted key blob for the server.
func (s *Service) JoinServer(ctx context.Context, userID, serverID string, blob json.RawMessage) error {
	if err := s.blobs.PutBlob(ctx, serverScope(serverID), memberKey(userID), blob); err != nil {
		return fmt.Errorf("store member key: %w", err)
	}
	return nil
}

// LeaveServer drops the member's encrypted key blob.
func (s *Service) LeaveServer(ctx context.Context, userID, serverID string) error {
	if err := s.blobs.DeleteBlob(ctx, serverScope(serverID), memberKey(userID)); err != nil {
		return fmt.Errorf("delete member key: %w", err)
	}
	return nil
}

// MemberKeys returns every member key blob stored for a server, keyed by
// user ID.
func (s *Service) MemberKeys(ctx context.Context, serverID string) (map[string]json.RawMessage, error) {
	blobs, err := s.blobs.ListBlobs(ctx, serverScope(serverID), "member:")
	if err != nil {
		return nil, fmt.Errorf("list member keys: %w", err)
	}
	keys := make(map[string]json.RawMessage, len(blobs))
	for key, blob := range blobs {
		keys[key[len("member:"):]] = json.RawMessage(blob)
	}
	return keys, nil
}

// MyEncryptedKey returns the caller's stored key blob, or nil when absent.
func (s *Service) MyEncryptedKey(ctx context.Context, userID, serverID string) (json.RawMessage, error) {
	blob, err := s.blobs.GetBlob(ctx, serverScope(serverID), memberKey(userID))
	if err != nil {
		return nil, fmt.Errorf("get member key: %w", err)
	}
	return json.RawMessage(blob), nil
}

// RegisterDevice stores a device key bundle for the user.
func (s *Service) RegisterDevice(ctx context.Context, userID, deviceID string, bundle json.RawMessage) error {
	if err := s.blobs.PutBlob(ctx, deviceScope(userID), deviceID, bundle); err != nil {
		return fmt.Errorf("store device bundle: %w", err)
	}
	return nil
}

// DeviceKeys returns another user's device key bundles, keyed by device ID.
func (s *Service) DeviceKeys(ctx context.Context, userID string) (map[string]json.RawMessage, error) {
	blobs, err := s.blobs.ListBlobs(ctx, deviceScope(userID), "")
	if err != nil {
		return nil, fmt.Errorf("list device bundles: %w", err)
	}
	bundles := make(map[string]json.RawMessage, len(blobs))
	for id, blob := range blobs {
		bundles[id] = json.RawMessage(blob)
	}
	return bundles, nil
}

// SenderKeyPayload carries one queued sender-key update.
type SenderKeyPayload struct {
	ID       string          `json:"id"`
	ServerID string          `json:"serverId"`
	FromID   string          `json:"fromId"`
	Payload  json.RawMessage `json:"payload"`
}

// DistributeSenderKey queues an encrypted sender key for the target user and
// pushes it live when the target is online.
func (s *Service) DistributeSenderKey(ctx context.Context, fromID, targetID, serverID string, payload json.RawMessage) error {
	update := SenderKeyPayload{
		ID:       ksuid.New().String(),
		ServerID: serverID,
		FromID:   fromID,
		Payload:  payload,
	}
	blob, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal sender key update: %w", err)
	}
	if err := s.blobs.PutBlob(ctx, queueScope(targetID), update.ID, blob); err != nil {
		return fmt.Errorf("queue sender key: %w", err)
	}

	if s.state.IsOnline(targetID) {
		s.state.EmitToPrincipal(targetID, core.NewEvent(proto.OutE2ETSenderKey, update))
	}
	return nil
}

// FetchQueuedUpdates drains the user's queued sender-key updates.
func (s *Service) FetchQueuedUpdates(ctx context.Context, userID string) ([]SenderKeyPayload, error) {
	blobs, err := s.blobs.ListBlobs(ctx, queueScope(userID), "")
	if err != nil {
		return nil, fmt.Errorf("list queued updates: %w", err)
	}

	updates := make([]SenderKeyPayload, 0, len(blobs))
	for id, blob := range blobs {
		var update SenderKeyPayload
		if err := json.Unmarshal(blob, &update); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("drop undecodable queued update")
			_ = s.blobs.DeleteBlob(ctx, queueScope(userID), id)
			continue
		}
		updates = append(updates, update)
		if err := s.blobs.DeleteBlob(ctx, queueScope(userID), id); err != nil {
			return nil, fmt.Errorf("dequeue update: %w", err)
		}
	}
	return updates, nil
}

// EpochPayload announces a new group-key epoch for a server.
type EpochPayload struct {
	ServerID string `json:"serverId"`
	Epoch    int64  `json:"epoch"`
}

// AdvanceEpoch bumps the server's epoch counter and announces the new value
// to the server room. Key material never transits this path.
func (s *Service) AdvanceEpoch(ctx context.Context, serverID string) (int64, error) {
	var epoch int64
	if blob, err := s.blobs.GetBlob(ctx, serverScope(serverID), epochKey(serverID)); err != nil {
		return 0, fmt.Errorf("get epoch: %w", err)
	} else if len(blob) > 0 {
		epoch, _ = strconv.ParseInt(string(blob), 10, 64)
	}
	epoch++

	if err := s.blobs.PutBlob(ctx, serverScope(serverID), epochKey(serverID), []byte(strconv.FormatInt(epoch, 10))); err != nil {
		return 0, fmt.Errorf("store epoch: %w", err)
	}

	s.state.Broadcast(core.ServerRoom(serverID), core.NewEvent(proto.OutE2ETEpochAdvanced, EpochPayload{
		ServerID: serverID,
		Epoch:    epoch,
	}))
	return epoch, nil
}
