package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"telehealth/internal/metrics"
	"telehealth/internal/session"
	"telehealth/internal/websocket"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

const (
	// BasePath prefixes every REST route.
	BasePath = "/api/v1"

	maxBodyBytes      = 1 << 20
	maxRecordingBytes = 512 << 20
	recordingPath     = BasePath + "/sessions/:id/recording"
)

// SessionService is the lifecycle surface used by the handlers.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (*types.PublicSession, error)
	Get(ctx context.Context, sessionID string) (*types.PublicSession, error)
	List(ctx context.Context, filter types.SessionFilter) ([]*types.PublicSession, error)
	Start(ctx context.Context, sessionID, actorID string) (*types.PublicSession, error)
	End(ctx context.Context, sessionID, actorID string, opts session.EndOptions) (*types.PublicSession, error)
	Cancel(ctx context.Context, sessionID, actorID string) (*types.PublicSession, error)
	MarkConnected(ctx context.Context, sessionID, role string) (*types.PublicSession, error)
	GiveConsent(ctx context.Context, sessionID string) (*types.PublicSession, error)
	SaveRecordingURL(ctx context.Context, sessionID, url string) (*types.PublicSession, error)
	Stats(ctx context.Context) (*session.Stats, error)
}

// MessageService persists and lists chat messages.
type MessageService interface {
	Send(ctx context.Context, req session.SendMessageRequest) (*types.Message, error)
	List(ctx context.Context, sessionID string, limit, offset int) ([]*types.Message, error)
	MarkRead(ctx context.Context, sessionID, readerID string, messageIDs []string) (int, error)
}

// AccessKeyService validates and delivers access keys.
type AccessKeyService interface {
	Validate(ctx context.Context, sessionID, code string) (*types.PublicSession, error)
	SendAccessKey(ctx context.Context, sessionID string) (*types.PublicSession, error)
	SendUpcoming(ctx context.Context) (int, error)
}

// RealtimeStats reports this process's socket and room counts.
type RealtimeStats interface {
	Stats() websocket.Stats
}

// BackplaneStatus reports whether cross-process fan-out is available.
type BackplaneStatus interface {
	Enabled() bool
}

// HealthChecker probes the session store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. Recordings and Backplane may
// be nil when not configured.
type Deps struct {
	Sessions   SessionService
	Messages   MessageService
	AccessKeys AccessKeyService
	Verifier   interfaces.IdentityVerifier
	Recordings interfaces.RecordingStorage
	Realtime   RealtimeStats
	Backplane  BackplaneStatus
	Store      HealthChecker
	// Socket serves GET /realtime.
	Socket http.Handler
}

// Options are the transport settings of the HTTP layer.
type Options struct {
	ServiceName    string
	AllowedOrigins []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// No business logic here: authenticate, decode, call one service method, encode.
type Server struct {
	sessions   SessionService
	messages   MessageService
	keys       AccessKeyService
	verifier   interfaces.IdentityVerifier
	recordings interfaces.RecordingStorage
	realtime   RealtimeStats
	backplane  BackplaneStatus
	store      HealthChecker
	socket     http.Handler
	router     *gin.Engine
}

// NewServer wires middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		sessions:   deps.Sessions,
		messages:   deps.Messages,
		keys:       deps.AccessKeys,
		verifier:   deps.Verifier,
		recordings: deps.Recordings,
		realtime:   deps.Realtime,
		backplane:  deps.Backplane,
		store:      deps.Store,
		socket:     deps.Socket,
		router:     gin.New(),
	}
	s.setupRoutes(opts)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes installs middleware in order: tracing, request id, access log,
// recovery, body limit, metrics, CORS, then the routes.
func (s *Server) setupRoutes(opts Options) {
	r := s.router
	r.HandleMethodNotAllowed = true

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "telehealth"
	}
	r.Use(otelgin.Middleware(serviceName))
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())
	r.Use(limitBody(maxBodyBytes, recordingPath))
	r.Use(metrics.Middleware())
	r.Use(corsMiddleware(opts.AllowedOrigins))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.socket != nil {
		r.GET("/realtime", gin.WrapH(s.socket))
	}

	api := r.Group(BasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))

	staff := s.requireStaff()
	key := s.requireAccessKey()
	participant := s.requireParticipant()

	api.POST("/sessions", staff, s.createSession)
	api.GET("/sessions", staff, s.listSessions)
	api.GET("/sessions/:id", staff, s.getSession)
	api.POST("/sessions/:id/start", staff, s.startSession)
	api.POST("/sessions/:id/end", staff, s.endSession)
	api.POST("/sessions/:id/cancel", staff, s.cancelSession)
	api.POST("/sessions/:id/consent", key, s.giveConsent)
	api.POST("/sessions/:id/recording-url", staff, s.saveRecordingURL)
	api.POST("/sessions/:id/recording/upload-url", staff, s.presignRecording)
	api.POST("/sessions/:id/recording", staff, s.uploadRecording)

	api.POST("/sessions/:id/access-key/validate", s.validateAccessKey)
	api.POST("/sessions/:id/access-key/send", staff, s.sendAccessKey)
	api.POST("/access-keys/send-upcoming", staff, s.sendUpcoming)

	api.POST("/sessions/:id/presence/patient", key, s.markConnected(types.RolePatient))
	api.POST("/sessions/:id/presence/doctor", staff, s.markConnected(types.RoleDoctor))

	api.POST("/sessions/:id/messages", participant, s.sendMessage)
	api.GET("/sessions/:id/messages", participant, s.listMessages)
	api.POST("/sessions/:id/messages/read", participant, s.markRead)

	api.GET("/monitoring/stats", staff, s.monitoringStats)
}

// corsMiddleware allows every origin when none is configured, otherwise
// only the listed ones.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", accessKeyHeader, requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Retry-After", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Backplane string    `json:"backplane"`
}

// FUNCTIONAL DISCOVERY: GET /health - 503 when the store is unreachable
// A missing backplane only degrades fan-out, so it never fails the check.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Database: "healthy", Backplane: "local"}
	if s.backplane != nil && s.backplane.Enabled() {
		resp.Backplane = "enabled"
	}

	status := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		LoggerFrom(c).Error().Err(err).Msg("database health check failed")
		resp.Status = "unhealthy"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
