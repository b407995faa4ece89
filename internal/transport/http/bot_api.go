package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/utils"
)

type botMessageBody struct {
	ChannelID string `json:"channelId" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

// botSendMessageHandler lets a bot post a channel message over REST with the
// same permission and scoping checks as the socket path.
func botSendMessageHandler(deps Deps, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		bot, ok := c.MustGet(ContextKeyBot).(*core.Bot)
		if !ok {
			c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "bot token required"})
			return
		}

		var body botMessageBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "channelId and content are required"})
			return
		}

		allowed, err := deps.Store.HasPermission(ctx, bot.ID, "messages:send")
		if err != nil || !allowed {
			c.JSON(stdhttp.StatusForbidden, ErrorResponse{Error: "missing permission messages:send"})
			return
		}

		ch, err := deps.Store.FindChannel(ctx, body.ChannelID)
		if err != nil || ch == nil {
			c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "channel not found"})
			return
		}
		if ch.ServerID != "" && !bot.InServer(ch.ServerID) {
			c.JSON(stdhttp.StatusForbidden, ErrorResponse{Error: "bot is not installed on this server"})
			return
		}

		// REST bots have no live session; an ephemeral one carries the principal
		sender := core.NewSession(utils.NewID(), bot)
		payload, err := deps.Fanout.Send(ctx, sender, body.ChannelID, body.Content)
		if err != nil {
			ce := core.AsCoreError(err)
			logger.Debug().Err(err).Str("bot", bot.ID).Msg("bot rest message rejected")
			c.JSON(stdhttp.StatusUnprocessableEntity, ErrorResponse{Error: ce.Message})
			return
		}

		c.JSON(stdhttp.StatusCreated, payload)
	}
}
