package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"

	"github.com/Enclicainteractive/voltage-server/internal/call"
	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/store"
	"github.com/Enclicainteractive/voltage-server/internal/voice"
)

type serverJoinReq struct {
	ServerID string `json:"serverId"`
}

type channelJoinReq struct {
	ChannelID string `json:"channelId"`
}

type dmJoinReq struct {
	ConversationID string `json:"conversationId"`
}

type statusChangeReq struct {
	Status       string `json:"status"`
	CustomStatus string `json:"customStatus"`
}

type messageSendReq struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

type messageEditReq struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type messageRefReq struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

type reactionReq struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type dmSendReq struct {
	ConversationID string `json:"conversationId"`
	ToID           string `json:"toId"`
	Content        string `json:"content"`
}

type voiceJoinReq struct {
	ChannelID string `json:"channelId"`
	PeerID    string `json:"peerId"`
}

type voiceChannelReq struct {
	ChannelID string `json:"channelId"`
}

type voiceMuteReq struct {
	ChannelID string `json:"channelId"`
	Muted     bool   `json:"muted"`
}

type voiceDeafenReq struct {
	ChannelID string `json:"channelId"`
	Deafened  bool   `json:"deafened"`
}

type voiceMediaReq struct {
	ChannelID string `json:"channelId"`
	Active    bool   `json:"active"`
}

type peerStateReportReq struct {
	ChannelID string            `json:"channelId"`
	States    map[string]string `json:"states"`
}

type callInitiateReq struct {
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
	Type           string `json:"type"`
}

type callRefReq struct {
	CallID string `json:"callId"`
}

type callStateReq struct {
	CallID string `json:"callId"`
	Active bool   `json:"active"`
}

type callHistoryReq struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
}

type friendRequestReq struct {
	ToID string `json:"toId"`
}

type serverUpdateReq struct {
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
}

type channelMutateReq struct {
	ServerID        string `json:"serverId"`
	ChannelID       string `json:"channelId"`
	Name            string `json:"name"`
	NSFW            bool   `json:"nsfw"`
	SlowModeSeconds int    `json:"slowModeSeconds"`
	Position        int    `json:"position"`
}

type channelOrderReq struct {
	ServerID   string   `json:"serverId"`
	ChannelIDs []string `json:"channelIds"`
}

type roleMutateReq struct {
	ServerID string `json:"serverId"`
	RoleID   string `json:"roleId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Position int    `json:"position"`
}

type e2eServerReq struct {
	ServerID string          `json:"serverId"`
	Key      json.RawMessage `json:"key,omitempty"`
}

type e2eDeviceReq struct {
	DeviceID string          `json:"deviceId"`
	Keys     json.RawMessage `json:"keys"`
}

type e2eUserReq struct {
	UserID string `json:"userId"`
}

type e2eSenderKeyReq struct {
	ServerID string          `json:"serverId"`
	ToID     string          `json:"toId"`
	Payload  json.RawMessage `json:"payload"`
}

type botStatusReq struct {
	Status       string `json:"status"`
	CustomStatus string `json:"customStatus"`
}

type botRemoveReq struct {
	BotID    string `json:"botId"`
	ServerID string `json:"serverId"`
}

// dispatch routes one inbound frame. Handler errors become typed error
// events on the originating socket; unknown event names are dropped.
func (h *WSHandler) dispatch(ctx context.Context, s *core.Session, in proto.Inbound) {
	var err error

	switch in.Type {
	case proto.InServerJoin:
		err = h.handleServerJoin(ctx, s, in.Data)
	case proto.InChannelJoin:
		err = h.handleChannelJoin(s, in.Data)
	case proto.InDMJoin:
		err = h.handleDMJoin(s, in.Data)
	case proto.InStatusChange:
		err = h.handleStatusChange(ctx, s, in.Data)

	case proto.InMessageSend:
		err = h.handleMessageSend(ctx, s, in.Data)
	case proto.InMessageEdit:
		err = h.handleMessageEdit(ctx, s, in.Data)
	case proto.InMessageDelete:
		err = h.handleMessageDelete(ctx, s, in.Data)
	case proto.InMessageTyping:
		err = h.handleMessageTyping(s, in.Data)
	case proto.InMessagePin, proto.InMessageUnpin:
		err = h.handleMessagePin(ctx, s, in.Data, in.Type == proto.InMessagePin)

	case proto.InReactionAdd, proto.InReactionRemove:
		err = h.handleReaction(ctx, s, in.Data, in.Type == proto.InReactionAdd)

	case proto.InDMSend:
		err = h.handleDMSend(ctx, s, in.Data)
	case proto.InDMTyping:
		err = h.handleDMTyping(s, in.Data)

	case proto.InVoiceGetParticipants:
		err = h.handleVoiceGetParticipants(s, in.Data)
	case proto.InVoiceJoin:
		err = h.handleVoiceJoin(s, in.Data)
	case proto.InVoiceLeave:
		err = h.handleVoiceLeave(s, in.Data)
	case proto.InVoiceHeartbeat:
		err = h.handleVoiceHeartbeat(s, in.Data)
	case proto.InVoiceOffer:
		err = h.handleVoiceSignal(s, proto.OutVoiceOffer, in.Data)
	case proto.InVoiceAnswer:
		err = h.handleVoiceSignal(s, proto.OutVoiceAnswer, in.Data)
	case proto.InVoiceICECandidate:
		err = h.handleVoiceSignal(s, proto.OutVoiceICECandidate, in.Data)
	case proto.InVoiceSignal:
		err = h.handleVoiceSignal(s, proto.OutVoiceSignal, in.Data)
	case proto.InVoiceMute:
		err = h.handleVoiceMute(s, in.Data)
	case proto.InVoiceDeafen:
		err = h.handleVoiceDeafen(s, in.Data)
	case proto.InVoiceScreenShare:
		err = h.handleVoiceMedia(s, in.Data, true)
	case proto.InVoiceVideo:
		err = h.handleVoiceMedia(s, in.Data, false)
	case proto.InVoicePeerStateReport:
		err = h.handlePeerStateReport(s, in.Data)

	case proto.InCallInitiate:
		err = h.handleCallInitiate(ctx, s, in.Data)
	case proto.InCallAccept:
		err = h.handleCallTransition(ctx, s, in.Data, h.deps.Calls.Accept)
	case proto.InCallDecline:
		err = h.handleCallTransition(ctx, s, in.Data, h.deps.Calls.Decline)
	case proto.InCallCancel:
		err = h.handleCallTransition(ctx, s, in.Data, h.deps.Calls.Cancel)
	case proto.InCallEnd:
		err = h.handleCallTransition(ctx, s, in.Data, h.deps.Calls.End)
	case proto.InCallOffer:
		err = h.handleCallSignal(s, proto.OutCallOffer, in.Data)
	case proto.InCallAnswer:
		err = h.handleCallSignal(s, proto.OutCallAnswer, in.Data)
	case proto.InCallICECandidate:
		err = h.handleCallSignal(s, proto.OutCallICECandidate, in.Data)
	case proto.InCallMute:
		err = h.handleCallState(s, proto.OutCallUserMuted, in.Data)
	case proto.InCallDeafen:
		err = h.handleCallState(s, proto.OutCallUserDeafened, in.Data)
	case proto.InCallVideoToggle:
		err = h.handleCallState(s, proto.OutCallVideoToggled, in.Data)
	case proto.InCallGetHistory:
		err = h.handleCallHistory(ctx, s, in.Data)

	case proto.InFriendRequest:
		err = h.handleFriendRequest(s, in.Data)

	case proto.InServerUpdate:
		err = h.handleServerUpdate(ctx, s, in.Data)
	case proto.InChannelCreate:
		err = h.handleChannelCreate(ctx, s, in.Data)
	case proto.InChannelUpdate:
		err = h.handleChannelUpdate(ctx, s, in.Data)
	case proto.InChannelDelete:
		err = h.handleChannelDelete(ctx, s, in.Data)
	case proto.InChannelOrder:
		err = h.handleChannelOrder(ctx, s, in.Data)
	case proto.InRoleCreate:
		err = h.handleRoleCreate(ctx, s, in.Data)
	case proto.InRoleUpdate:
		err = h.handleRoleUpdate(ctx, s, in.Data)
	case proto.InRoleDelete:
		err = h.handleRoleDelete(ctx, s, in.Data)

	case proto.InE2EGetServerStatus:
		err = h.handleE2EServerStatus(ctx, s, in.Data)
	case proto.InE2EJoinServer:
		err = h.handleE2EJoinServer(ctx, s, in.Data)
	case proto.InE2ELeaveServer:
		err = h.handleE2ELeaveServer(ctx, s, in.Data)
	case proto.InE2ERequestMemberKeys:
		err = h.handleE2EMemberKeys(ctx, s, in.Data)
	case proto.InE2EGetMyEncryptedKey:
		err = h.handleE2EMyKey(ctx, s, in.Data)

	case proto.InE2ETRegisterDevice:
		err = h.handleE2ETRegisterDevice(ctx, s, in.Data)
	case proto.InE2ETRequestDeviceKeys:
		err = h.handleE2ETDeviceKeys(ctx, s, in.Data)
	case proto.InE2ETDistributeSenderKey:
		err = h.handleE2ETDistributeSenderKey(ctx, s, in.Data)
	case proto.InE2ETFetchQueuedUpdates:
		err = h.handleE2ETFetchQueuedUpdates(ctx, s, in.Data)
	case proto.InE2ETAdvanceEpoch:
		err = h.handleE2ETAdvanceEpoch(ctx, s, in.Data)

	case proto.InBotSendMessage:
		err = h.handleBotSendMessage(ctx, s, in.Data)
	case proto.InBotStatusChange:
		err = h.handleBotStatusChange(s, in.Data)
	case proto.InBotRemoveFromServer:
		err = h.handleBotRemoveFromServer(ctx, s, in.Data)

	default:
		h.log.Debug().Str("type", in.Type).Msg("unknown event dropped")
		return
	}

	if err != nil {
		s.Send(errorEvent(in.Type, err))
	}
}

// errorEvent maps a handler failure onto the typed error event family of the
// originating operation.
func errorEvent(inType string, err error) *core.Event {
	name := proto.OutMessageError
	switch {
	case strings.HasPrefix(inType, "call:"):
		name = proto.OutCallError
	case strings.HasPrefix(inType, "bot:"):
		name = proto.OutBotError
	case strings.HasPrefix(inType, "e2e"):
		name = proto.OutE2EError
	}
	ce := core.AsCoreError(err)
	return core.NewEvent(name, &proto.Error{Code: ce.Code, Msg: ce.Message})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return core.NewError(core.ErrCodeInvalidArgument, "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.NewError(core.ErrCodeInvalidArgument, fmt.Sprintf("bad payload: %v", err))
	}
	return nil
}

func (h *WSHandler) handleServerJoin(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req serverJoinReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if s.CurrentServer != "" && s.CurrentServer != req.ServerID {
		h.deps.State.Leave(s, core.ServerRoom(s.CurrentServer))
	}
	h.deps.State.Join(s, core.ServerRoom(req.ServerID))
	s.CurrentServer = req.ServerID

	// announce to connected peers; failures are logged inside the service
	go h.notifyPeersMemberJoined(req.ServerID, s.Principal.PrincipalID())
	return nil
}

func (h *WSHandler) notifyPeersMemberJoined(serverID, userID string) {
	ctx := context.Background()
	peers, err := h.deps.Store.ListPeers(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("list peers for member-joined")
		return
	}
	for _, peer := range peers {
		if peer.Status != store.PeerStatusConnected {
			continue
		}
		h.deps.Federation.NotifyMemberJoined(ctx, peer, serverID, userID)
	}
}

func (h *WSHandler) handleChannelJoin(s *core.Session, data json.RawMessage) error {
	var req channelJoinReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if s.CurrentChannel != "" && s.CurrentChannel != req.ChannelID {
		h.deps.State.Leave(s, core.ChannelRoom(s.CurrentChannel))
	}
	h.deps.State.Join(s, core.ChannelRoom(req.ChannelID))
	s.CurrentChannel = req.ChannelID
	return nil
}

func (h *WSHandler) handleDMJoin(s *core.Session, data json.RawMessage) error {
	var req dmJoinReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if s.CurrentDM != "" && s.CurrentDM != req.ConversationID {
		h.deps.State.Leave(s, core.DMRoom(s.CurrentDM))
	}
	h.deps.State.Join(s, core.DMRoom(req.ConversationID))
	s.CurrentDM = req.ConversationID
	return nil
}

func (h *WSHandler) handleStatusChange(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req statusChangeReq
	if err := decode(data, &req); err != nil {
		return err
	}
	id := s.Principal.PrincipalID()
	if !s.Principal.IsBot() {
		if err := h.deps.Store.SetStatus(ctx, id, req.Status, req.CustomStatus); err != nil {
			return fmt.Errorf("persist status: %w", err)
		}
	}
	h.deps.State.BroadcastAll(core.NewEvent(proto.OutUserStatus, statusPayload{
		UserID:       id,
		Status:       req.Status,
		CustomStatus: req.CustomStatus,
	}))
	return nil
}

func (h *WSHandler) handleMessageSend(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req messageSendReq
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.deps.Fanout.Send(ctx, s, req.ChannelID, req.Content)
	return err
}

func (h *WSHandler) handleMessageEdit(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req messageEditReq
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.deps.Fanout.Edit(ctx, s, req.ChannelID, req.MessageID, req.Content)
	return err
}

func (h *WSHandler) handleMessageDelete(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req messageRefReq
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.deps.Fanout.Delete(ctx, s, req.ChannelID, req.MessageID)
}

func (h *WSHandler) handleMessageTyping(s *core.Session, data json.RawMessage) error {
	var req channelJoinReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Fanout.Typing(s, req.ChannelID)
	return nil
}

func (h *WSHandler) handleMessagePin(ctx context.Context, s *core.Session, data json.RawMessage, pinned bool) error {
	var req messageRefReq
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.deps.Fanout.SetPinned(ctx, req.ChannelID, req.MessageID, pinned)
}

func (h *WSHandler) handleReaction(ctx context.Context, s *core.Session, data json.RawMessage, add bool) error {
	var req reactionReq
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.deps.Fanout.React(ctx, s, req.ChannelID, req.MessageID, req.Emoji, add)
}

func (h *WSHandler) handleDMSend(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req dmSendReq
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.deps.Fanout.SendDM(ctx, s, req.ConversationID, req.ToID, req.Content)
	return err
}

func (h *WSHandler) handleDMTyping(s *core.Session, data json.RawMessage) error {
	var req dmJoinReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Fanout.DMTyping(s, req.ConversationID)
	return nil
}

func (h *WSHandler) handleVoiceGetParticipants(s *core.Session, data json.RawMessage) error {
	var req voiceChannelReq
	if err := decode(data, &req); err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutVoiceParticipants, h.deps.Voice.Participants(req.ChannelID)))
	return nil
}

func (h *WSHandler) handleVoiceJoin(s *core.Session, data json.RawMessage) error {
	var req voiceJoinReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Voice.Join(s, req.ChannelID, req.PeerID)
	s.CurrentVoiceChannel = req.ChannelID
	return nil
}

func (h *WSHandler) handleVoiceLeave(s *core.Session, data json.RawMessage) error {
	var req voiceChannelReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Voice.Leave(s, req.ChannelID)
	if s.CurrentVoiceChannel == req.ChannelID {
		s.CurrentVoiceChannel = ""
	}
	return nil
}

func (h *WSHandler) handleVoiceHeartbeat(s *core.Session, data json.RawMessage) error {
	var req voiceChannelReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Voice.Heartbeat(s.Principal.PrincipalID(), req.ChannelID)
	return nil
}

func (h *WSHandler) handleVoiceSignal(s *core.Session, event string, data json.RawMessage) error {
	var payload voice.SignalPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	h.deps.Voice.Relay(s, event, payload)
	return nil
}

func (h *WSHandler) handleVoiceMute(s *core.Session, data json.RawMessage) error {
	var req voiceMuteReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Voice.SetMuted(s.Principal.PrincipalID(), req.ChannelID, req.Muted)
	return nil
}

func (h *WSHandler) handleVoiceDeafen(s *core.Session, data json.RawMessage) error {
	var req voiceDeafenReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Voice.SetDeafened(s.Principal.PrincipalID(), req.ChannelID, req.Deafened)
	return nil
}

func (h *WSHandler) handleVoiceMedia(s *core.Session, data json.RawMessage, screen bool) error {
	var req voiceMediaReq
	if err := decode(data, &req); err != nil {
		return err
	}
	id := s.Principal.PrincipalID()
	if screen {
		h.deps.Voice.SetScreenSharing(id, req.ChannelID, req.Active)
	} else {
		h.deps.Voice.SetVideo(id, req.ChannelID, req.Active)
	}
	return nil
}

func (h *WSHandler) handlePeerStateReport(s *core.Session, data json.RawMessage) error {
	var req peerStateReportReq
	if err := decode(data, &req); err != nil {
		return err
	}
	reporter := s.Principal.PrincipalID()
	for target, state := range req.States {
		h.deps.Voice.ReportPeerState(reporter, req.ChannelID, target, voice.PeerState(state))
	}
	return nil
}

func (h *WSHandler) handleCallInitiate(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req callInitiateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	callType := call.Type(req.Type)
	if callType == "" {
		callType = call.TypeAudio
	}
	_, err := h.deps.Calls.Initiate(ctx, s, req.RecipientID, req.ConversationID, callType)
	return err
}

func (h *WSHandler) handleCallTransition(ctx context.Context, s *core.Session, data json.RawMessage, op func(context.Context, *core.Session, string) error) error {
	var req callRefReq
	if err := decode(data, &req); err != nil {
		return err
	}
	return op(ctx, s, req.CallID)
}

func (h *WSHandler) handleCallSignal(s *core.Session, event string, data json.RawMessage) error {
	var payload call.SignalPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	h.deps.Calls.Relay(s, event, payload)
	return nil
}

func (h *WSHandler) handleCallState(s *core.Session, event string, data json.RawMessage) error {
	var req callStateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.Calls.Notify(s, event, req.CallID, req.Active)
	return nil
}

func (h *WSHandler) handleCallHistory(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req callHistoryReq
	if err := decode(data, &req); err != nil {
		return err
	}
	logs, err := h.deps.Calls.History(ctx, req.ConversationID, req.Limit)
	if err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutCallHistory, map[string]any{
		"conversationId": req.ConversationID,
		"calls":          logs,
	}))
	return nil
}

func (h *WSHandler) handleFriendRequest(s *core.Session, data json.RawMessage) error {
	var req friendRequestReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if !h.deps.State.IsOnline(req.ToID) {
		return nil // delivered out of band; the socket only relays
	}
	h.deps.State.EmitToPrincipal(req.ToID, core.NewEvent(proto.OutFriendRequest, map[string]string{
		"fromId":   s.Principal.PrincipalID(),
		"fromName": s.Principal.Name(),
	}))
	return nil
}

func (h *WSHandler) handleServerUpdate(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req serverUpdateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.Store.UpdateServer(ctx, req.ServerID, req.Name); err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutServerUpdated, map[string]string{
		"serverId": req.ServerID,
		"name":     req.Name,
	}))
	return nil
}

func channelPayload(ch *store.ChannelInfo) map[string]any {
	return map[string]any{
		"id":              ch.ID,
		"serverId":        ch.ServerID,
		"name":            ch.Name,
		"nsfw":            ch.NSFW,
		"slowModeSeconds": ch.SlowModeSeconds,
		"position":        ch.Position,
	}
}

func (h *WSHandler) handleChannelCreate(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req channelMutateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	ch := &store.ChannelInfo{
		ID:              req.ChannelID,
		ServerID:        req.ServerID,
		Name:            req.Name,
		NSFW:            req.NSFW,
		SlowModeSeconds: req.SlowModeSeconds,
		Position:        req.Position,
	}
	if ch.ID == "" {
		ch.ID = ksuid.New().String()
	}
	if err := h.deps.Store.CreateChannel(ctx, ch); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutChannelCreated, channelPayload(ch)))
	return nil
}

func (h *WSHandler) handleChannelUpdate(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req channelMutateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	ch := &store.ChannelInfo{
		ID:              req.ChannelID,
		ServerID:        req.ServerID,
		Name:            req.Name,
		NSFW:            req.NSFW,
		SlowModeSeconds: req.SlowModeSeconds,
		Position:        req.Position,
	}
	if err := h.deps.Store.UpdateChannel(ctx, ch); err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutChannelUpdated, channelPayload(ch)))
	return nil
}

func (h *WSHandler) handleChannelDelete(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req channelMutateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.Store.DeleteChannel(ctx, req.ChannelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutChannelDeleted, map[string]string{
		"serverId":  req.ServerID,
		"channelId": req.ChannelID,
	}))
	return nil
}

func (h *WSHandler) handleChannelOrder(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req channelOrderReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.Store.OrderChannels(ctx, req.ServerID, req.ChannelIDs); err != nil {
		return fmt.Errorf("order channels: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutChannelOrderUpdated, map[string]any{
		"serverId":   req.ServerID,
		"channelIds": req.ChannelIDs,
	}))
	return nil
}

func rolePayload(role *store.RoleRecord) map[string]any {
	return map[string]any{
		"id":       role.ID,
		"serverId": role.ServerID,
		"name":     role.Name,
		"color":    role.Color,
		"position": role.Position,
	}
}

func (h *WSHandler) handleRoleCreate(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req roleMutateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	role := &store.RoleRecord{
		ID:       req.RoleID,
		ServerID: req.ServerID,
		Name:     req.Name,
		Color:    req.Color,
		Position: req.Position,
	}
	if role.ID == "" {
		role.ID = ksuid.New().String()
	}
	if err := h.deps.Store.CreateRole(ctx, role); err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutRoleCreated, rolePayload(role)))
	return nil
}

func (h *WSHandler) handleRoleUpdate(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req roleMutateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	role := &store.RoleRecord{
		ID:       req.RoleID,
		ServerID: req.ServerID,
		Name:     req.Name,
		Color:    req.Color,
		Position: req.Position,
	}
	if err := h.deps.Store.UpdateRole(ctx, role); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutRoleUpdated, rolePayload(role)))
	return nil
}

func (h *WSHandler) handleRoleDelete(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req roleMutateReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.Store.DeleteRole(ctx, req.RoleID); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	h.deps.State.Broadcast(core.ServerRoom(req.ServerID), core.NewEvent(proto.OutRoleDeleted, map[string]string{
		"serverId": req.ServerID,
		"roleId":   req.RoleID,
	}))
	return nil
}

func (h *WSHandler) handleE2EServerStatus(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eServerReq
	if err := decode(data, &req); err != nil {
		return err
	}
	status, err := h.deps.E2E.ServerStatus(ctx, req.ServerID)
	if err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2EServerStatus, status))
	return nil
}

func (h *WSHandler) handleE2EJoinServer(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eServerReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.E2E.JoinServer(ctx, s.Principal.PrincipalID(), req.ServerID, req.Key); err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2EJoinedServer, map[string]string{"serverId": req.ServerID}))
	return nil
}

func (h *WSHandler) handleE2ELeaveServer(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eServerReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.E2E.LeaveServer(ctx, s.Principal.PrincipalID(), req.ServerID); err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2ELeftServer, map[string]string{"serverId": req.ServerID}))
	return nil
}

func (h *WSHandler) handleE2EMemberKeys(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eServerReq
	if err := decode(data, &req); err != nil {
		return err
	}
	keys, err := h.deps.E2E.MemberKeys(ctx, req.ServerID)
	if err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2EMemberKeys, map[string]any{
		"serverId": req.ServerID,
		"keys":     keys,
	}))
	return nil
}

func (h *WSHandler) handleE2EMyKey(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eServerReq
	if err := decode(data, &req); err != nil {
		return err
	}
	key, err := h.deps.E2E.MyEncryptedKey(ctx, s.Principal.PrincipalID(), req.ServerID)
	if err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2EMyEncryptedKey, map[string]any{
		"serverId": req.ServerID,
		"key":      key,
	}))
	return nil
}

func (h *WSHandler) handleE2ETRegisterDevice(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eDeviceReq
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.deps.E2E.RegisterDevice(ctx, s.Principal.PrincipalID(), req.DeviceID, req.Keys); err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2ETDeviceRegistered, map[string]string{"deviceId": req.DeviceID}))
	return nil
}

func (h *WSHandler) handleE2ETDeviceKeys(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eUserReq
	if err := decode(data, &req); err != nil {
		return err
	}
	bundles, err := h.deps.E2E.DeviceKeys(ctx, req.UserID)
	if err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2ETDeviceKeys, map[string]any{
		"userId":  req.UserID,
		"devices": bundles,
	}))
	return nil
}

func (h *WSHandler) handleE2ETDistributeSenderKey(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eSenderKeyReq
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.deps.E2E.DistributeSenderKey(ctx, s.Principal.PrincipalID(), req.ToID, req.ServerID, req.Payload)
}

func (h *WSHandler) handleE2ETFetchQueuedUpdates(ctx context.Context, s *core.Session, data json.RawMessage) error {
	updates, err := h.deps.E2E.FetchQueuedUpdates(ctx, s.Principal.PrincipalID())
	if err != nil {
		return err
	}
	s.Send(core.NewEvent(proto.OutE2ETQueuedUpdates, map[string]any{"updates": updates}))
	return nil
}

func (h *WSHandler) handleE2ETAdvanceEpoch(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req e2eServerReq
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.deps.E2E.AdvanceEpoch(ctx, req.ServerID)
	return err
}

func (h *WSHandler) handleBotSendMessage(ctx context.Context, s *core.Session, data json.RawMessage) error {
	bot, ok := s.Principal.(*core.Bot)
	if !ok {
		return core.NewError(core.ErrCodePermissionDenied, "bot-only operation")
	}
	var req messageSendReq
	if err := decode(data, &req); err != nil {
		return err
	}

	allowed, err := h.deps.Store.HasPermission(ctx, bot.ID, "messages:send")
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !allowed {
		return core.NewError(core.ErrCodePermissionDenied, "missing permission messages:send")
	}

	ch, err := h.deps.Store.FindChannel(ctx, req.ChannelID)
	if err != nil || ch == nil {
		return core.NewError(core.ErrCodeNotFound, "channel not found")
	}
	if ch.ServerID != "" && !bot.InServer(ch.ServerID) {
		return core.NewError(core.ErrCodePermissionDenied, "bot is not installed on this server")
	}

	_, err = h.deps.Fanout.Send(ctx, s, req.ChannelID, req.Content)
	return err
}

func (h *WSHandler) handleBotStatusChange(s *core.Session, data json.RawMessage) error {
	if !s.Principal.IsBot() {
		return core.NewError(core.ErrCodePermissionDenied, "bot-only operation")
	}
	var req botStatusReq
	if err := decode(data, &req); err != nil {
		return err
	}
	h.deps.State.BroadcastAll(core.NewEvent(proto.OutUserStatus, statusPayload{
		UserID:       s.Principal.PrincipalID(),
		Status:       req.Status,
		CustomStatus: req.CustomStatus,
	}))
	return nil
}

func (h *WSHandler) handleBotRemoveFromServer(ctx context.Context, s *core.Session, data json.RawMessage) error {
	var req botRemoveReq
	if err := decode(data, &req); err != nil {
		return err
	}

	botID := req.BotID
	if s.Principal.IsBot() {
		// bots may only remove themselves
		botID = s.Principal.PrincipalID()
	} else {
		record, err := h.deps.Store.GetBot(ctx, botID)
		if err != nil || record == nil {
			return core.NewError(core.ErrCodeNotFound, "bot not found")
		}
		if record.OwnerID != s.Principal.PrincipalID() {
			return core.NewError(core.ErrCodePermissionDenied, "only the owner may remove this bot")
		}
	}

	if err := h.deps.Store.RemoveBotFromServer(ctx, botID, req.ServerID); err != nil {
		return fmt.Errorf("remove bot: %w", err)
	}
	h.deps.State.EmitToPrincipal(botID, core.NewEvent(proto.OutBotKicked, map[string]string{
		"botId":    botID,
		"serverId": req.ServerID,
	}))
	return nil
}
