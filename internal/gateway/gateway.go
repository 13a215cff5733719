package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/settlegate/internal/auth"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/internal/dispute"
	"github.com/terminal-bench/settlegate/internal/evidence"
	"github.com/terminal-bench/settlegate/internal/selection"
	"github.com/terminal-bench/settlegate/pkg/circuit"
	"github.com/terminal-bench/settlegate/pkg/messaging"
)

type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

type SettingsResolver interface {
	Resolve(ctx context.Context) config.Settings
}

type Selector interface {
	Select(ctx context.Context, req selection.Request, s config.Settings) (*selection.Result, error)
}

type Disputes interface {
	Create(ctx context.Context, req dispute.CreateRequest, s config.Settings) (*dispute.Created, error)
	Respond(ctx context.Context, req dispute.RespondRequest) (*dispute.Responded, error)
	Decide(ctx context.Context, req dispute.DecideRequest, s config.Settings) (*dispute.Decided, error)
	Assign(ctx context.Context, req dispute.AssignRequest) (*dispute.Dispute, error)
	Get(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error)
	Unroutable(ctx context.Context, limit int) ([]dispute.Dispute, error)
}

type CircuitRefresher interface {
	Refresh(ctx context.Context, cfg circuit.Config) (*circuit.Snapshot, []circuit.Transition, error)
}

type TransitionRecorder interface {
	RecordTransitions(ctx context.Context, ts []circuit.Transition)
}

type EvidenceUploader interface {
	Put(ctx context.Context, disputeID uuid.UUID, filename string, r io.Reader, size int64, contentType string) (*evidence.Object, error)
}

// Subscriber delivers bus events to the operator feed
type Subscriber interface {
	Subscribe(subject string, handler func(*messaging.Event)) error
}

// Deps are the collaborators behind the routes. Evidence, Events and
// Transitions may be nil.
type Deps struct {
	Auth        TokenVerifier
	Settings    SettingsResolver
	Selector    Selector
	Disputes    Disputes
	Circuits    CircuitRefresher
	Transitions TransitionRecorder
	Evidence    EvidenceUploader
	Events      Subscriber
	Logger      *logrus.Logger
}

// Config holds gateway configuration
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxHeaderBytes  int
	RateLimitWindow time.Duration
	RateLimitMax    int
	MaxUploadBytes  int64
}

// Gateway is the HTTP API
type Gateway struct {
	cfg         Config
	deps        Deps
	router      *gin.Engine
	server      *http.Server
	feed        *Feed
	rateLimiter *RateLimiter
	log         *logrus.Entry
}

// NewGateway creates a new API gateway
func NewGateway(cfg Config, deps Deps) (*Gateway, error) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}

	log := deps.Logger.WithField("component", "gateway")
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	g := &Gateway{
		cfg:         cfg,
		deps:        deps,
		router:      router,
		feed:        NewFeed(log),
		rateLimiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		log:         log,
	}

	if deps.Events != nil {
		for _, subject := range []string{messaging.SubjectDisputeUnroutable, messaging.SubjectDisputeRouted} {
			if err := deps.Events.Subscribe(subject, g.feed.Publish); err != nil {
				return nil, err
			}
		}
	}

	g.setupRoutes()
	g.server = &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return g, nil
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	v1.Use(g.authMiddleware(), g.rateLimitMiddleware())
	{
		v1.POST("/selections", g.requireRole(auth.RoleMerchant, auth.RoleOperator), g.selectEndpoint)

		disputes := v1.Group("/disputes")
		{
			disputes.POST("", g.createDispute)
			disputes.GET("/unroutable", g.requireRole(auth.RoleOperator, auth.RoleAdjudicator), g.listUnroutable)
			disputes.GET("/:id", g.getDispute)
			disputes.POST("/:id/response", g.requireRole(auth.RoleProvider), g.respondDispute)
			disputes.POST("/:id/decision", g.requireRole(auth.RoleAdjudicator), g.decideDispute)
			disputes.POST("/:id/evidence", g.uploadEvidence)
			disputes.POST("/:id/assign", g.requireRole(auth.RoleOperator), g.assignDispute)
		}

		v1.GET("/circuits", g.requireRole(auth.RoleOperator, auth.RoleAdjudicator), g.listCircuits)
		v1.GET("/ws/unroutable", g.requireRole(auth.RoleOperator), g.handleWebSocket)
	}
}

// Handler exposes the router, mostly for tests
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start serves until Shutdown is called
func (g *Gateway) Start() error {
	g.log.WithField("port", g.cfg.Port).Info("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes operator feed connections
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.feed.Close()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
