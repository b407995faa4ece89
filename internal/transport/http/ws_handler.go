package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/proto"
	"github.com/Enclicainteractive/voltage-server/internal/utils"
)

// WSHandler upgrades HTTP connections to the realtime socket. Authentication
// failure is the only fatal error: once a session is registered, handler
// errors flow back as typed error events.
type WSHandler struct {
	deps Deps
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(deps Deps, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{deps: deps, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	principal, err := h.authenticate(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws auth rejected")
		stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	session := core.NewSession(utils.NewID(), principal)
	session.DeviceID = r.URL.Query().Get("deviceId")

	h.connect(ctx, session)
	defer h.disconnect(session)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, session)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, session)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("session_id", session.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// authenticate resolves the socket to exactly one principal: a bot token
// ("Authorization: Bot <token>" or ?bot_token=) or a user JWT
// ("Authorization: Bearer <token>" or ?token=).
func (h *WSHandler) authenticate(r *stdhttp.Request) (core.Principal, error) {
	ctx := r.Context()
	query := r.URL.Query()
	header := r.Header.Get("Authorization")

	botToken := query.Get("bot_token")
	if botToken == "" && strings.HasPrefix(header, "Bot ") {
		botToken = strings.TrimPrefix(header, "Bot ")
	}
	if botToken != "" {
		bot, err := h.deps.Auth.AuthenticateBot(ctx, botToken)
		if err != nil {
			return nil, err
		}
		return bot, nil
	}

	userToken := query.Get("token")
	if userToken == "" && strings.HasPrefix(header, "Bearer ") {
		userToken = strings.TrimPrefix(header, "Bearer ")
	}
	user, err := h.deps.Auth.AuthenticateUser(ctx, userToken)
	if err != nil {
		return nil, err
	}
	return user, nil
}

type connectedPayload struct {
	SessionID   string   `json:"sessionId"`
	UserID      string   `json:"userId"`
	Username    string   `json:"username"`
	IsBot       bool     `json:"isBot,omitempty"`
	OnlineUsers []string `json:"onlineUsers"`
}

type statusPayload struct {
	UserID       string `json:"userId"`
	Status       string `json:"status"`
	CustomStatus string `json:"customStatus,omitempty"`
}

// connect registers the session, replays presence to the newcomer, and
// announces the principal when this is its first session.
func (h *WSHandler) connect(ctx context.Context, s *core.Session) {
	id := s.Principal.PrincipalID()
	first := !h.deps.State.IsOnline(id)

	h.deps.State.Register(s)
	h.deps.Voice.ScrubStale()

	s.Send(core.NewEvent(proto.OutConnected, connectedPayload{
		SessionID:   s.ID,
		UserID:      id,
		Username:    s.Principal.Name(),
		IsBot:       s.Principal.IsBot(),
		OnlineUsers: h.deps.State.OnlineIDs(),
	}))

	if first {
		status := statusPayload{UserID: id, Status: "online"}
		if !s.Principal.IsBot() {
			// replay the persisted custom status rather than clobbering it
			if rec, err := h.deps.Store.GetUser(ctx, id); err == nil && rec != nil {
				status.CustomStatus = rec.CustomStatus
			}
			if err := h.deps.Store.SetStatus(ctx, id, "online", status.CustomStatus); err != nil {
				h.log.Warn().Err(err).Str("user", id).Msg("persist online status")
			}
		}
		h.deps.State.BroadcastAll(core.NewEvent(proto.OutUserStatus, status))
	}

	if s.Principal.IsBot() {
		s.Send(core.NewEvent(proto.OutBotReady, map[string]string{"botId": id}))
		return
	}

	// redeliver incoming calls that rang while no session existed
	for _, pending := range h.deps.Calls.PendingFor(id) {
		s.Send(core.NewEvent(proto.OutCallIncoming, pending))
	}
}

// disconnect unwinds the session: voice cleanup, call sweep, registry
// removal, then the offline announcement. The announcement only happens when
// the last session of the principal goes away.
func (h *WSHandler) disconnect(s *core.Session) {
	id := s.Principal.PrincipalID()

	var serverRooms []core.RoomKey
	for _, key := range h.deps.State.Memberships(s) {
		if strings.HasPrefix(string(key), "server:") {
			serverRooms = append(serverRooms, key)
		}
	}

	final := h.deps.State.Unregister(s)

	// voice participation is torn down right away, even while other devices
	// of the same principal stay connected
	if s.CurrentVoiceChannel != "" || final {
		h.deps.Voice.DisconnectCleanup(id)
	}

	if !final {
		return
	}

	h.deps.Calls.DisconnectSweep(id)

	if !s.Principal.IsBot() {
		custom := ""
		if rec, err := h.deps.Store.GetUser(context.Background(), id); err == nil && rec != nil {
			custom = rec.CustomStatus
		}
		if err := h.deps.Store.SetStatus(context.Background(), id, "offline", custom); err != nil {
			h.log.Warn().Err(err).Str("user", id).Msg("persist offline status")
		}
	}
	h.deps.State.BroadcastAll(core.NewEvent(proto.OutUserStatus, statusPayload{
		UserID: id,
		Status: "offline",
	}))
	for _, key := range serverRooms {
		h.deps.State.Broadcast(key, core.NewEvent(proto.OutMemberOffline, map[string]string{"userId": id}))
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *core.Session) error {
	limiter := newRateLimiter(inboundEventLimit)
	limiter.startReset(ctx.Done())

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}
		if !limiter.allow() {
			s.Send(errorEvent(inbound.Type, core.NewError(core.ErrCodeRateLimited, "too many events, slow down")))
			continue
		}
		h.dispatch(ctx, s, inbound)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, s *core.Session) error {
	for {
		select {
		case event, ok := <-s.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("session_id", s.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func outboundFromEvent(ev *core.Event) proto.Outbound {
	if protoErr, ok := ev.Data.(*proto.Error); ok {
		return proto.Outbound{Type: ev.Name, Error: protoErr}
	}
	return proto.Outbound{Type: ev.Name, Data: ev.Data}
}
