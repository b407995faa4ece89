package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/federation"
	"github.com/Enclicainteractive/voltage-server/internal/store"
)

type federationHandlers struct {
	svc   *federation.Service
	state *core.State
	log   *zerolog.Logger
}

func (h *federationHandlers) info(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, h.svc.LocalInfo())
}

type handshakeBody struct {
	Token        string `json:"token"`
	Host         string `json:"host"`
	Name         string `json:"name"`
	SharedSecret string `json:"sharedSecret"`
}

// handshake accepts a signed handshake token from a remote host. An unknown
// host announcing itself with a shared secret is registered first, then the
// token is verified against the stored secret.
func (h *federationHandlers) handshake(c *gin.Context) {
	ctx := c.Request.Context()

	var body handshakeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid handshake body"})
		return
	}

	if body.Host != "" && body.SharedSecret != "" {
		if _, err := h.svc.RegisterIncomingPeer(ctx, body.Host, body.Name, body.SharedSecret); err != nil {
			h.log.Warn().Err(err).Str("host", body.Host).Msg("register incoming peer")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "could not register peer"})
			return
		}
	}

	peer, err := h.svc.AcceptHandshake(ctx, body.Token)
	if err != nil {
		h.log.Debug().Err(err).Msg("handshake rejected")
		c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "handshake rejected"})
		return
	}

	c.JSON(stdhttp.StatusOK, gin.H{
		"host":   h.svc.Host(),
		"status": peer.Status,
	})
}

type memberJoinedBody struct {
	ServerID string `json:"serverId"`
	UserID   string `json:"userId"`
	FromHost string `json:"fromHost"`
}

// memberJoined propagates a remote member-joined notice to the local server
// room. Only connected peers are heard.
func (h *federationHandlers) memberJoined(c *gin.Context) {
	ctx := c.Request.Context()

	var body memberJoinedBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid body"})
		return
	}

	peer := h.svc.VerifyHandshake(ctx, c.GetHeader("X-Volt-Federation-Token"))
	if peer == nil || peer.Status != store.PeerStatusConnected || peer.Host != body.FromHost {
		c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "unknown peer"})
		return
	}

	h.state.Broadcast(core.ServerRoom(body.ServerID), core.NewEvent("server:member-joined", map[string]string{
		"serverId": body.ServerID,
		"userId":   body.UserID,
		"fromHost": body.FromHost,
	}))
	c.JSON(stdhttp.StatusOK, gin.H{"ok": true})
}
