package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/auth"
	"github.com/Enclicainteractive/voltage-server/internal/call"
	"github.com/Enclicainteractive/voltage-server/internal/config"
	"github.com/Enclicainteractive/voltage-server/internal/core"
	"github.com/Enclicainteractive/voltage-server/internal/e2e"
	"github.com/Enclicainteractive/voltage-server/internal/fanout"
	"github.com/Enclicainteractive/voltage-server/internal/federation"
	"github.com/Enclicainteractive/voltage-server/internal/store"
	"github.com/Enclicainteractive/voltage-server/internal/voice"
)

// ErrorResponse is the JSON error body of the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Deps bundles the collaborators the HTTP surface serves.
type Deps struct {
	State      *core.State
	Auth       *auth.Service
	Voice      *voice.Coordinator
	Calls      *call.Machine
	Fanout     *fanout.Service
	Federation *federation.Service
	E2E        *e2e.Service
	Store      store.Store
}

// NewServer builds the HTTP server: health, the websocket endpoint, the
// federation API, and the bot REST surface.
func NewServer(deps Deps, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	router.Use(otelMiddleware())

	router.GET("/health", healthHandler)
	router.GET("/ws", gin.WrapH(NewWSHandler(deps, logger)))

	fed := &federationHandlers{
		svc:   deps.Federation,
		state: deps.State,
		log:   logger,
	}
	fedAPI := router.Group("/api/federation")
	{
		fedAPI.GET("/info", fed.info)
		fedAPI.POST("/handshake", fed.handshake)
		fedAPI.POST("/member-joined", fed.memberJoined)
	}

	botAPI := router.Group("/api/bot")
	botAPI.Use(BotAuthMiddleware(deps.Auth, logger))
	{
		botAPI.POST("/messages", botSendMessageHandler(deps, logger))
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
