package voice

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
)

// Timing constants for presence and consensus monitoring.
const (
	HeartbeatTimeout   = 20 * time.Second
	ReportFreshness    = 10 * time.Second
	ReconnectCooldown  = 30 * time.Second
	MonitorTick        = 5 * time.Second
	ConsensusThreshold = 0.5
)

// Participant is a principal currently present in a voice channel.
type Participant struct {
	PrincipalID     string `json:"userId"`
	Username        string `json:"username"`
	Avatar          string `json:"avatar,omitempty"`
	PeerID          string `json:"peerId"`
	ChannelID       string `json:"channelId"`
	Muted           bool   `json:"muted"`
	Deafened        bool   `json:"deafened"`
	HasVideo        bool   `json:"hasVideo"`
	IsScreenSharing bool   `json:"isScreenSharing"`
	IsBot           bool   `json:"isBot"`
}

// PeerState is a WebRTC connection state as observed by a reporting peer.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// Broken reports whether the state counts toward the failure consensus.
func (s PeerState) Broken() bool {
	return s == PeerFailed || s == PeerClosed || s == PeerDisconnected
}

type reportedState struct {
	State PeerState
	At    time.Time
}

type peerReport struct {
	ChannelID  string
	States     map[string]reportedState
	LastUpdate time.Time
}

type channelState struct {
	participants    []*Participant
	membership      map[string]struct{}
	lastReconnectAt time.Time
	failureCount    int
}

type heartbeatEntry struct {
	ChannelID string
	At        time.Time
}

// Coordinator owns voice channel participation: the participant lists,
// heartbeat liveness, signaling relay, and the peer-consensus monitor.
type Coordinator struct {
	state *core.State
	ice   []ICEServer
	log   zerolog.Logger
	now   func() time.Time

	mu          sync.Mutex
	channels    map[string]*channelState
	byPrincipal map[string]string
	heartbeats  map[string]heartbeatEntry
	reports     map[string]*peerReport
}

// NewCoordinator builds a coordinator over the presence fabric.
func NewCoordinator(state *core.State, ice []ICEServer, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		state:       state,
		ice:         ice,
		log:         logger.With().Str("component", "voice").Logger(),
		now:         time.Now,
		channels:    make(map[string]*channelState),
		byPrincipal: make(map[string]string),
		heartbeats:  make(map[string]heartbeatEntry),
		reports:     make(map[string]*peerReport),
	}
}

// ParticipantsPayload is sent to a joining session and on explicit request.
type ParticipantsPayload struct {
	ChannelID      string        `json:"channelId"`
	Participants   []Participant `json:"participants"`
	ICEServers     []ICEServer   `json:"iceServers"`
	IsReconnection bool          `json:"isReconnection"`
}

// UserJoinedPayload announces a new participant to the voice room.
type UserJoinedPayload struct {
	ChannelID   string      `json:"channelId"`
	Participant Participant `json:"participant"`
}

// UserLeftPayload announces a departed participant.
type UserLeftPayload struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason,omitempty"`
}

// UserUpdatedPayload carries a mute/deafen delta.
type UserUpdatedPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
}

// MediaUpdatePayload carries a screen-share or video delta.
type MediaUpdatePayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Active    bool   `json:"active"`
}

// SignalPayload is a relayed WebRTC signaling frame. Signal is passed through
// verbatim; the relay only stamps From.
type SignalPayload struct {
	ChannelID string          `json:"channelId"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Signal    json.RawMessage `json:"signal"`
}

// ForceReconnectPayload tells a voice room to rebuild peer connections.
type ForceReconnectPayload struct {
	TargetPeer     string `json:"targetPeer"`
	FailurePercent int    `json:"failurePercent"`
	FailedPeers    int    `json:"failedPeers"`
	TotalPeers     int    `json:"totalPeers"`
	Reason         string `json:"reason"`
	Timestamp      int64  `json:"timestamp"`
}

// Participants returns the channel's current list plus the ICE server set.
func (c *Coordinator) Participants(channelID string) ParticipantsPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ParticipantsPayload{
		ChannelID:    channelID,
		Participants: c.snapshotLocked(channelID),
		ICEServers:   c.ice,
	}
}

func (c *Coordinator) snapshotLocked(channelID string) []Participant {
	ch := c.channels[channelID]
	if ch == nil {
		return []Participant{}
	}
	out := make([]Participant, 0, len(ch.participants))
	for _, p := range ch.participants {
		out = append(out, *p)
	}
	return out
}

// Join places the session's principal into the channel. Joining while in a
// different channel leaves that channel first; joining a channel the
// principal already occupies is a reconnection that preserves mute state.
func (c *Coordinator) Join(s *core.Session, channelID, peerID string) {
	id := s.Principal.PrincipalID()

	c.mu.Lock()
	prev, hasPrev := c.byPrincipal[id]
	c.mu.Unlock()
	if hasPrev && prev != channelID {
		c.cleanup(id, prev, "switched-channel")
	}

	c.mu.Lock()
	ch := c.channels[channelID]
	if ch == nil {
		ch = &channelState{membership: make(map[string]struct{})}
		c.channels[channelID] = ch
	}

	_, reconnection := ch.membership[id]
	var joined *Participant
	if reconnection {
		for _, p := range ch.participants {
			if p.PrincipalID == id {
				p.PeerID = peerID
				joined = p
				break
			}
		}
	} else {
		joined = &Participant{
			PrincipalID: id,
			Username:    s.Principal.Name(),
			PeerID:      peerID,
			ChannelID:   channelID,
			IsBot:       s.Principal.IsBot(),
		}
		ch.participants = append(ch.participants, joined)
		ch.membership[id] = struct{}{}
	}
	c.byPrincipal[id] = channelID
	c.heartbeats[id] = heartbeatEntry{ChannelID: channelID, At: c.now()}
	snapshot := c.snapshotLocked(channelID)
	c.mu.Unlock()

	room := core.VoiceRoom(channelID)
	c.state.Join(s, room)

	if reconnection {
		c.state.BroadcastExcept(room, s, core.NewEvent(proto.OutVoiceUserReconnected, UserJoinedPayload{
			ChannelID:   channelID,
			Participant: *joined,
		}))
	} else {
		c.state.Broadcast(room, core.NewEvent(proto.OutVoiceUserJoined, UserJoinedPayload{
			ChannelID:   channelID,
			Participant: *joined,
		}))
	}

	s.Send(core.NewEvent(proto.OutVoiceParticipants, ParticipantsPayload{
		ChannelID:      channelID,
		Participants:   snapshot,
		ICEServers:     c.ice,
		IsReconnection: reconnection,
	}))
}

// Heartbeat refreshes the principal's liveness entry. Heartbeats from
// principals not in the channel are ignored.
func (c *Coordinator) Heartbeat(principalID, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[channelID]
	if ch == nil {
		return
	}
	if _, ok := ch.membership[principalID]; !ok {
		return
	}
	c.heartbeats[principalID] = heartbeatEntry{ChannelID: channelID, At: c.now()}
}

// Leave removes the principal from the channel and announces the departure.
func (c *Coordinator) Leave(s *core.Session, channelID string) {
	c.cleanup(s.Principal.PrincipalID(), channelID, "left")
}

// DisconnectCleanup tears down the principal's voice presence immediately.
func (c *Coordinator) DisconnectCleanup(principalID string) {
	c.mu.Lock()
	channelID, ok := c.byPrincipal[principalID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.cleanup(principalID, channelID, "disconnected")
}

// cleanup is idempotent: a second cleanup for the same principal+channel is
// a no-op.
func (c *Coordinator) cleanup(principalID, channelID, reason string) {
	c.mu.Lock()
	removed := c.cleanupLocked(principalID, channelID)
	c.mu.Unlock()
	if !removed {
		return
	}

	room := core.VoiceRoom(channelID)
	for _, sess := range c.state.SessionsFor(principalID) {
		c.state.Leave(sess, room)
	}
	c.state.Broadcast(room, core.NewEvent(proto.OutVoiceUserLeft, UserLeftPayload{
		UserID:    principalID,
		ChannelID: channelID,
		Reason:    reason,
	}))
	c.log.Debug().Str("user", principalID).Str("channel", channelID).Str("reason", reason).Msg("voice participant removed")
}

func (c *Coordinator) cleanupLocked(principalID, channelID string) bool {
	if c.byPrincipal[principalID] != channelID {
		return false
	}
	ch := c.channels[channelID]
	if ch == nil {
		return false
	}
	if _, ok := ch.membership[principalID]; !ok {
		return false
	}

	delete(ch.membership, principalID)
	for i, p := range ch.participants {
		if p.PrincipalID == principalID {
			ch.participants = append(ch.participants[:i], ch.participants[i+1:]...)
			break
		}
	}
	if len(ch.participants) == 0 {
		delete(c.channels, channelID)
	}
	delete(c.byPrincipal, principalID)
	delete(c.heartbeats, principalID)
	delete(c.reports, principalID)
	return true
}

// Relay forwards a signaling frame to the target principal's sessions with
// From stamped. Unroutable frames are dropped.
func (c *Coordinator) Relay(from *core.Session, event string, payload SignalPayload) {
	if payload.To == "" {
		return
	}
	payload.From = from.Principal.PrincipalID()
	c.state.EmitToPrincipal(payload.To, core.NewEvent(event, payload))
}

// SetMuted updates the participant's mute flag and broadcasts the delta.
func (c *Coordinator) SetMuted(principalID, channelID string, muted bool) {
	c.updateParticipant(principalID, channelID, func(p *Participant) *core.Event {
		p.Muted = muted
		return core.NewEvent(proto.OutVoiceUserUpdated, UserUpdatedPayload{
			ChannelID: channelID, UserID: principalID, Muted: p.Muted, Deafened: p.Deafened,
		})
	})
}

// SetDeafened updates the participant's deafen flag and broadcasts the delta.
func (c *Coordinator) SetDeafened(principalID, channelID string, deafened bool) {
	c.updateParticipant(principalID, channelID, func(p *Participant) *core.Event {
		p.Deafened = deafened
		return core.NewEvent(proto.OutVoiceUserUpdated, UserUpdatedPayload{
			ChannelID: channelID, UserID: principalID, Muted: p.Muted, Deafened: p.Deafened,
		})
	})
}

// SetScreenSharing updates the screen-share flag and broadcasts the delta.
func (c *Coordinator) SetScreenSharing(principalID, channelID string, active bool) {
	c.updateParticipant(principalID, channelID, func(p *Participant) *core.Event {
		p.IsScreenSharing = active
		return core.NewEvent(proto.OutVoiceScreenShareUpdate, MediaUpdatePayload{
			ChannelID: channelID, UserID: principalID, Active: active,
		})
	})
}

// SetVideo updates the video flag and broadcasts the delta.
func (c *Coordinator) SetVideo(principalID, channelID string, active bool) {
	c.updateParticipant(principalID, channelID, func(p *Participant) *core.Event {
		p.HasVideo = active
		return core.NewEvent(proto.OutVoiceVideoUpdate, MediaUpdatePayload{
			ChannelID: channelID, UserID: principalID, Active: active,
		})
	})
}

func (c *Coordinator) updateParticipant(principalID, channelID string, mutate func(*Participant) *core.Event) {
	c.mu.Lock()
	ch := c.channels[channelID]
	if ch == nil {
		c.mu.Unlock()
		return
	}
	var ev *core.Event
	for _, p := range ch.participants {
		if p.PrincipalID == principalID {
			ev = mutate(p)
			break
		}
	}
	c.mu.Unlock()
	if ev != nil {
		c.state.Broadcast(core.VoiceRoom(channelID), ev)
	}
}

// ReportPeerState records the reporter's view of a target peer's connection.
// Reports from principals outside the channel are dropped.
func (c *Coordinator) ReportPeerState(reporterID, channelID, targetID string, state PeerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[channelID]
	if ch == nil {
		return
	}
	if _, ok := ch.membership[reporterID]; !ok {
		return
	}

	now := c.now()
	rep := c.reports[reporterID]
	if rep == nil || rep.ChannelID != channelID {
		rep = &peerReport{ChannelID: channelID, States: make(map[string]reportedState)}
		c.reports[reporterID] = rep
	}
	rep.States[targetID] = reportedState{State: state, At: now}
	rep.LastUpdate = now
}

// InChannel reports whether the principal currently occupies the channel.
func (c *Coordinator) InChannel(principalID, channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byPrincipal[principalID] == channelID
}

// ChannelOf returns the channel the principal occupies, if any.
func (c *Coordinator) ChannelOf(principalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byPrincipal[principalID]
	return ch, ok
}

// sweepHeartbeats removes participants whose heartbeat is older than the
// timeout. Also run once per connect to scrub entries left by dead sockets.
func (c *Coordinator) sweepHeartbeats(now time.Time) {
	type victim struct{ id, channel string }
	c.mu.Lock()
	var victims []victim
	for id, hb := range c.heartbeats {
		if now.Sub(hb.At) > HeartbeatTimeout {
			victims = append(victims, victim{id: id, channel: hb.ChannelID})
		}
	}
	c.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].id < victims[j].id })
	for _, v := range victims {
		c.log.Info().Str("user", v.id).Str("channel", v.channel).Msg("heartbeat timeout")
		c.cleanup(v.id, v.channel, "heartbeat-timeout")
	}
}

// ScrubStale runs the heartbeat sweep outside the monitor tick.
func (c *Coordinator) ScrubStale() {
	c.sweepHeartbeats(c.now())
}
