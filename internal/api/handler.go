package api

import (
	"net/http"
	"time"

	"apex-engine/internal/events"
	"apex-engine/internal/monitor"
	"apex-engine/internal/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the outward read-only HTTP interface around a running
// Supervisor: read-only JSON snapshots of EngineState, positions, recent
// trades, and aggregate PnL, plus the three mutating endpoints
// (kill_switch, pause, resume). Everything else about the engine stays
// internal; Server never reaches into an AccountLoop directly.
type Server struct {
	Router  *gin.Engine
	Engine  *supervisor.Supervisor
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics

	JWTSecret string
	// OperatorToken is minted once at startup (see IssueOperatorToken) and
	// logged for the operator to copy into the dashboard; it is the only
	// credential accepted by the mutating endpoints.
	OperatorToken string
}

// NewServer builds the Gin router bound to eng. jwtSecret signs the single
// operator bearer token minted for this process's lifetime.
func NewServer(eng *supervisor.Supervisor, metrics *monitor.SystemMetrics, jwtSecret string) (*Server, error) {
	token, err := IssueOperatorToken(jwtSecret)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:        r,
		Engine:        eng,
		Bus:           eng.Events,
		Metrics:       metrics,
		JWTSecret:     jwtSecret,
		OperatorToken: token,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.GET("/metrics", s.prometheusHandler())

	v1 := s.Router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/accounts", s.getAccounts)
		v1.GET("/accounts/:id/positions", s.getPositions)
		v1.GET("/accounts/:id/trades", s.getTrades)
		v1.GET("/accounts/:id/pnl", s.getPnL)

		protected := v1.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/kill", s.postKill)
			protected.POST("/accounts/:id/pause", s.postPause)
			protected.POST("/accounts/:id/resume", s.postResume)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) prometheusHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(s.Engine.Registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Start runs the HTTP server, blocking until the listener fails
// (mirrors gin.Engine.Run's own blocking contract).
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
