package core

import "sync"

// State is the in-memory presence fabric: the room index plus the session
// registry. It is created once at startup and passed to handlers explicitly.
//
// Invariant: a session is in rooms[k] exactly when k is in members[session].
type State struct {
	mu      sync.RWMutex
	rooms   map[RoomKey]map[*Session]struct{}
	members map[*Session]map[RoomKey]struct{}
	users   map[string]map[*Session]struct{}
	bots    map[string]map[*Session]struct{}
	online  map[string]struct{}
}

// NewState constructs an empty presence fabric.
func NewState() *State {
	return &State{
		rooms:   make(map[RoomKey]map[*Session]struct{}),
		members: make(map[*Session]map[RoomKey]struct{}),
		users:   make(map[string]map[*Session]struct{}),
		bots:    make(map[string]map[*Session]struct{}),
		online:  make(map[string]struct{}),
	}
}

// Register binds the session to its principal: joins the personal room and
// marks the principal online.
func (st *State) Register(s *Session) {
	id := s.Principal.PrincipalID()

	st.mu.Lock()
	index := st.users
	if s.Principal.IsBot() {
		index = st.bots
	}
	set, ok := index[id]
	if !ok {
		set = make(map[*Session]struct{})
		index[id] = set
	}
	set[s] = struct{}{}
	st.joinLocked(s, PersonalRoom(s.Principal))
	st.online[id] = struct{}{}
	st.mu.Unlock()
}

// Unregister destroys the session: removes it from every room, then its
// personal room, and updates the online set last. Returns true when this was
// the principal's final session.
func (st *State) Unregister(s *Session) bool {
	id := s.Principal.PrincipalID()
	personal := PersonalRoom(s.Principal)

	st.mu.Lock()
	defer st.mu.Unlock()

	for key := range st.members[s] {
		if key == personal {
			continue
		}
		st.leaveLocked(s, key)
	}
	st.leaveLocked(s, personal)
	delete(st.members, s)

	index := st.users
	if s.Principal.IsBot() {
		index = st.bots
	}
	if set, ok := index[id]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(index, id)
			delete(st.online, id)
			return true
		}
	}
	return false
}

// Join adds the session to a room.
func (st *State) Join(s *Session, key RoomKey) {
	st.mu.Lock()
	st.joinLocked(s, key)
	st.mu.Unlock()
}

// Leave removes the session from a room.
func (st *State) Leave(s *Session, key RoomKey) {
	st.mu.Lock()
	st.leaveLocked(s, key)
	st.mu.Unlock()
}

func (st *State) joinLocked(s *Session, key RoomKey) {
	room, ok := st.rooms[key]
	if !ok {
		room = make(map[*Session]struct{})
		st.rooms[key] = room
	}
	room[s] = struct{}{}

	set, ok := st.members[s]
	if !ok {
		set = make(map[RoomKey]struct{})
		st.members[s] = set
	}
	set[key] = struct{}{}
}

func (st *State) leaveLocked(s *Session, key RoomKey) {
	if room, ok := st.rooms[key]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(st.rooms, key)
		}
	}
	if set, ok := st.members[s]; ok {
		delete(set, key)
	}
}

// InRoom reports whether the session is currently joined to the room.
func (st *State) InRoom(s *Session, key RoomKey) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.members[s][key]
	return ok
}

// Memberships returns the rooms the session is joined to.
func (st *State) Memberships(s *Session) []RoomKey {
	st.mu.RLock()
	defer st.mu.RUnlock()
	keys := make([]RoomKey, 0, len(st.members[s]))
	for k := range st.members[s] {
		keys = append(keys, k)
	}
	return keys
}

// RoomSessions returns a snapshot of the room's current sessions.
func (st *State) RoomSessions(key RoomKey) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sessions := make([]*Session, 0, len(st.rooms[key]))
	for s := range st.rooms[key] {
		sessions = append(sessions, s)
	}
	return sessions
}

// Broadcast delivers the event to every session currently in the room.
func (st *State) Broadcast(key RoomKey, ev *Event) {
	for _, s := range st.RoomSessions(key) {
		s.Send(ev)
	}
}

// BroadcastExcept delivers to the room, skipping one session.
func (st *State) BroadcastExcept(key RoomKey, except *Session, ev *Event) {
	for _, s := range st.RoomSessions(key) {
		if s == except {
			continue
		}
		s.Send(ev)
	}
}

// EmitToPrincipal delivers to every session of the principal (all devices).
func (st *State) EmitToPrincipal(principalID string, ev *Event) {
	for _, s := range st.SessionsFor(principalID) {
		s.Send(ev)
	}
}

// BroadcastAll delivers the event to every connected session.
func (st *State) BroadcastAll(ev *Event) {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.members))
	for s := range st.members {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()
	for _, s := range sessions {
		s.Send(ev)
	}
}

// SessionsFor returns a snapshot of the principal's sessions, user or bot.
func (st *State) SessionsFor(principalID string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	set, ok := st.users[principalID]
	if !ok {
		set, ok = st.bots[principalID]
	}
	if !ok {
		return nil
	}
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

// IsOnline reports whether any session exists for the principal.
func (st *State) IsOnline(principalID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.online[principalID]
	return ok
}

// OnlineIDs returns a snapshot of all online principal ids.
func (st *State) OnlineIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.online))
	for id := range st.online {
		ids = append(ids, id)
	}
	return ids
}

// ConnectedBots returns one representative session per connected bot.
func (st *State) ConnectedBots() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sessions := make([]*Session, 0, len(st.bots))
	for _, set := range st.bots {
		for s := range set {
			sessions = append(sessions, s)
			break
		}
	}
	return sessions
}
