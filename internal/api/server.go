// Package api exposes the matching engine and the allocation matcher over
// HTTP, with a websocket stream of committed events.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/internal/allocation"
	"github.com/powershare/energymatch/internal/auth"
	"github.com/powershare/energymatch/internal/marketdata"
	"github.com/powershare/energymatch/internal/matching"
)

// Config holds server configuration.
type Config struct {
	DefaultExpiry   time.Duration // applied when an order names no expiry; zero means good till cancelled
	SnapshotDepth   int
	RateLimitWindow time.Duration
	RateLimitMax    int // zero disables rate limiting
}

// Server routes HTTP requests to the engine and matcher.
type Server struct {
	router  *gin.Engine
	engine  *matching.Engine
	matcher *allocation.Matcher
	pool    *allocation.OfferPool
	tracker *marketdata.Tracker
	hub     *Hub
	auth    *auth.Service
	limiter *RateLimiter
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// Deps are the components a Server fronts. Tracker, Hub and Auth are optional.
type Deps struct {
	Engine  *matching.Engine
	Matcher *allocation.Matcher
	Pool    *allocation.OfferPool
	Tracker *marketdata.Tracker
	Hub     *Hub
	Auth    *auth.Service
	Logger  *zap.Logger
}

// NewServer creates the router and registers every route.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := deps.Pool
	if pool == nil {
		pool, _ = allocation.NewOfferPool()
	}

	s := &Server{
		router:  gin.New(),
		engine:  deps.Engine,
		matcher: deps.Matcher,
		pool:    pool,
		tracker: deps.Tracker,
		hub:     deps.Hub,
		auth:    deps.Auth,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	if cfg.RateLimitMax > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.tracingMiddleware())
	if s.limiter != nil {
		s.router.Use(s.rateLimitMiddleware())
	}

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Orders
		v1.POST("/orders", s.authMiddleware(), s.submitOrder)
		v1.GET("/orders", s.authMiddleware(), s.listOrders)
		v1.GET("/orders/:id", s.authMiddleware(), s.getOrder)
		v1.DELETE("/orders/:id", s.authMiddleware(), s.cancelOrder)
		v1.GET("/trades", s.authMiddleware(), s.listTrades)

		// Market data
		v1.GET("/market/:commodity/depth", s.getDepth)
		v1.GET("/market/:commodity/trades", s.getTape)
		v1.GET("/market/stats", s.getMarketStats)
		v1.GET("/stats", s.getStats)

		// Allocation
		v1.POST("/offers", s.authMiddleware(), s.addOffer)
		v1.GET("/offers", s.listOffers)
		v1.POST("/allocate", s.authMiddleware(), s.allocate)
		v1.POST("/matches/find", s.findMatches)

		// WebSocket
		if s.hub != nil {
			v1.GET("/ws", s.hub.ServeWS)
		}
	}
}
