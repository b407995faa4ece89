package core

// RoomKey names a broadcast target. Keys are typed by prefix so a channel id
// and a voice channel id for the same entity address different rooms.
type RoomKey string

func ServerRoom(id string) RoomKey  { return RoomKey("server:" + id) }
func ChannelRoom(id string) RoomKey { return RoomKey("channel:" + id) }
func DMRoom(id string) RoomKey      { return RoomKey("dm:" + id) }
func VoiceRoom(id string) RoomKey   { return RoomKey("voice:" + id) }
func UserRoom(id string) RoomKey    { return RoomKey("user:" + id) }
func BotRoom(id string) RoomKey     { return RoomKey("bot:" + id) }

// PersonalRoom returns the per-principal room used for multi-device fan-out.
func PersonalRoom(p Principal) RoomKey {
	if p.IsBot() {
		return BotRoom(p.PrincipalID())
	}
	return UserRoom(p.PrincipalID())
}
