package session

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/ratelimit"
)

// Server upgrades HTTP requests into agent sessions.
type Server struct {
	cfg       config.SessionConfig
	lifecycle Lifecycle
	progress  ProgressSink
	limiter   *ratelimit.Limiter
	validator auth.TokenValidator
	logger    *logger.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates the session endpoint.
func NewServer(cfg config.SessionConfig, lc Lifecycle, progress ProgressSink,
	limiter *ratelimit.Limiter, validator auth.TokenValidator, log *logger.Logger) *Server {
	return &Server{
		cfg:       cfg,
		lifecycle: lc,
		progress:  progress,
		limiter:   limiter,
		validator: validator,
		logger:    log.WithFields(zap.String("component", "session-server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents connect from arbitrary hosts; auth happens in the
			// identify handshake, not at the HTTP layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", s.handleWS)
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed",
			zap.String("remote", c.Request.RemoteAddr),
			zap.Error(err))
		return
	}

	sess := New(conn, s.cfg, s.lifecycle, s.progress, s.limiter, s.validator, s.logger)
	// the handler goroutine becomes the read pump
	sess.Run(c.Request.Context())
}
