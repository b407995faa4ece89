package proto

import "encoding/json"

// Inbound is the envelope for frames coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound is the envelope for frames sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a typed error event payload.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Client → server event names.
const (
	InServerJoin   = "server:join"
	InChannelJoin  = "channel:join"
	InStatusChange = "status:change"

	InMessageSend   = "message:send"
	InMessageEdit   = "message:edit"
	InMessageDelete = "message:delete"
	InMessageTyping = "message:typing"
	InMessagePin    = "message:pin"
	InMessageUnpin  = "message:unpin"

	InReactionAdd    = "reaction:add"
	InReactionRemove = "reaction:remove"

	InDMJoin   = "dm:join"
	InDMSend   = "dm:send"
	InDMTyping = "dm:typing"

	InVoiceGetParticipants = "voice:get-participants"
	InVoiceJoin            = "voice:join"
	InVoiceLeave           = "voice:leave"
	InVoiceHeartbeat       = "voice:heartbeat"
	InVoiceOffer           = "voice:offer"
	InVoiceAnswer          = "voice:answer"
	InVoiceICECandidate    = "voice:ice-candidate"
	InVoiceSignal          = "voice:signal"
	InVoiceMute            = "voice:mute"
	InVoiceDeafen          = "voice:deafen"
	InVoiceScreenShare     = "voice:screen-share"
	InVoiceVideo           = "voice:video"
	InVoicePeerStateReport = "voice:peer-state-report"

	InCallInitiate     = "call:initiate"
	InCallAccept       = "call:accept"
	InCallDecline      = "call:decline"
	InCallCancel       = "call:cancel"
	InCallEnd          = "call:end"
	InCallOffer        = "call:offer"
	InCallAnswer       = "call:answer"
	InCallICECandidate = "call:ice-candidate"
	InCallMute         = "call:mute"
	InCallDeafen       = "call:deafen"
	InCallVideoToggle  = "call:video-toggle"
	InCallGetHistory   = "call:get-history"

	InFriendRequest = "friend:request"

	InServerUpdate  = "server:update"
	InChannelCreate = "channel:create"
	InChannelUpdate = "channel:update"
	InChannelDelete = "channel:delete"
	InChannelOrder  = "channel:order"
	InRoleCreate    = "role:create"
	InRoleUpdate    = "role:update"
	InRoleDelete    = "role:delete"

	InE2EGetServerStatus   = "e2e:get-server-status"
	InE2EJoinServer        = "e2e:join-server"
	InE2ERequestMemberKeys = "e2e:request-member-keys"
	InE2EGetMyEncryptedKey = "e2e:get-my-encrypted-key"
	InE2ELeaveServer       = "e2e:leave-server"

	InE2ETRegisterDevice      = "e2e-true:register-device"
	InE2ETRequestDeviceKeys   = "e2e-true:request-device-keys"
	InE2ETDistributeSenderKey = "e2e-true:distribute-sender-key"
	InE2ETFetchQueuedUpdates  = "e2e-true:fetch-queued-updates"
	InE2ETAdvanceEpoch        = "e2e-true:advance-epoch"

	InBotSendMessage      = "bot:send-message"
	InBotStatusChange     = "bot:status-change"
	InBotRemoveFromServer = "bot:remove-from-server"
)

// Server → client event names.
const (
	OutConnected  = "connected"
	OutUserStatus = "user:status"
	OutUserTyping = "user:typing"

	OutMessageNew      = "message:new"
	OutMessageEdited   = "message:edited"
	OutMessageDeleted  = "message:deleted"
	OutMessagePinned   = "message:pinned"
	OutMessageUnpinned = "message:unpinned"
	OutMessageError    = "message:error"

	OutNotificationMention = "notification:mention"
	OutMemberOffline       = "member:offline"

	OutDMNew          = "dm:new"
	OutDMNotification = "dm:notification"
	OutDMTyping       = "dm:typing"

	OutReactionAdded   = "reaction:added"
	OutReactionRemoved = "reaction:removed"

	OutVoiceParticipants      = "voice:participants"
	OutVoiceUserJoined        = "voice:user-joined"
	OutVoiceUserReconnected   = "voice:user-reconnected"
	OutVoiceUserLeft          = "voice:user-left"
	OutVoiceUserUpdated       = "voice:user-updated"
	OutVoiceOffer             = "voice:offer"
	OutVoiceAnswer            = "voice:answer"
	OutVoiceICECandidate      = "voice:ice-candidate"
	OutVoiceScreenShareUpdate = "voice:screen-share-update"
	OutVoiceVideoUpdate       = "voice:video-update"
	OutVoiceSignal            = "voice:signal"
	OutVoiceForceReconnect    = "voice:force-reconnect"

	OutCallRinging      = "call:ringing"
	OutCallIncoming     = "call:incoming"
	OutCallAccepted     = "call:accepted"
	OutCallConnected    = "call:connected"
	OutCallEnded        = "call:ended"
	OutCallMissed       = "call:missed"
	OutCallUserMuted    = "call:user-muted"
	OutCallUserDeafened = "call:user-deafened"
	OutCallVideoToggled = "call:video-toggled"
	OutCallOffer        = "call:offer"
	OutCallAnswer       = "call:answer"
	OutCallICECandidate = "call:ice-candidate"
	OutCallHistory      = "call:history"
	OutCallError        = "call:error"

	OutFriendRequest = "friend:request"

	OutServerUpdated       = "server:updated"
	OutChannelCreated      = "channel:created"
	OutChannelUpdated      = "channel:updated"
	OutChannelDeleted      = "channel:deleted"
	OutChannelOrderUpdated = "channel:order-updated"
	OutRoleCreated         = "role:created"
	OutRoleUpdated         = "role:updated"
	OutRoleDeleted         = "role:deleted"

	OutBotReady  = "bot:ready"
	OutBotKicked = "bot:kicked"
	OutBotError  = "bot:error"

	OutE2EServerStatus   = "e2e:server-status"
	OutE2EJoinedServer   = "e2e:joined-server"
	OutE2ELeftServer     = "e2e:left-server"
	OutE2EMemberKeys     = "e2e:member-keys"
	OutE2EMyEncryptedKey = "e2e:my-encrypted-key"
	OutE2EError          = "e2e:error"

	OutE2ETDeviceRegistered = "e2e-true:device-registered"
	OutE2ETDeviceKeys       = "e2e-true:device-keys"
	OutE2ETSenderKey        = "e2e-true:sender-key"
	OutE2ETQueuedUpdates    = "e2e-true:queued-updates"
	OutE2ETEpochAdvanced    = "e2e-true:epoch-advanced"
)
