package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Enclicainteractive/voltage-server/internal/auth"
)

const (
	// ContextKeyBot is the gin context key holding the authenticated bot
	// principal on the bot REST surface.
	ContextKeyBot = "bot"
)

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

// otelMiddleware records one span per request with basic HTTP attributes.
func otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("voltage/http")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}

// BotAuthMiddleware authenticates the bot REST surface via
// "Authorization: Bot <token>", comparing the token's SHA-256 against the
// stored hash.
func BotAuthMiddleware(authService *auth.Service, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bot" {
			logger.Debug().Msg("missing or malformed bot authorization header")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "bot token required"})
			c.Abort()
			return
		}

		bot, err := authService.AuthenticateBot(c.Request.Context(), parts[1])
		if err != nil {
			logger.Debug().Err(err).Msg("invalid bot token")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid bot token"})
			c.Abort()
			return
		}

		c.Set(ContextKeyBot, bot)
		c.Next()
	}
}
