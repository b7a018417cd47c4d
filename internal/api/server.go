package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zw-go/internal/witness"
)

// Server is the HTTP transport for the witness: machine-facing report and
// instruction endpoints plus operator-facing group and conflict management.
type Server struct {
	engine *witness.Engine
	store  witness.Store
	logger witness.Logger
	router *gin.Engine
}

// NewServer builds the router. registry may be nil to disable /metrics.
func NewServer(engine *witness.Engine, store witness.Store, logger witness.Logger, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: engine,
		store:  store,
		logger: logger,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.healthz)
	if registry != nil {
		s.router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/machines", s.registerMachine)
		v1.GET("/machines/health", s.machinesHealth)

		// Machine-scoped endpoints require the machine's API key.
		authed := v1.Group("", s.machineAuth)
		{
			authed.POST("/machines/:id/heartbeat", s.heartbeat)
			authed.POST("/machines/:id/snapshots", s.reportSnapshots)
			authed.GET("/machines/:id/instructions", s.getInstructions)
			authed.POST("/machines/:id/sync/state", s.reportSyncState)
		}

		v1.GET("/groups", s.listGroups)
		v1.POST("/groups", s.createGroup)
		v1.PUT("/groups/:id", s.updateGroup)
		v1.DELETE("/groups/:id", s.deleteGroup)
		v1.GET("/groups/:id/states", s.groupStates)
		v1.GET("/groups/:id/summary", s.groupSummary)
		v1.GET("/groups/:id/conflicts", s.groupConflicts)
		v1.POST("/conflicts/:id/resolve", s.resolveConflict)
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP on addr until the listener fails.
func (s *Server) Run(addr string) error { return s.router.Run(addr) }

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// machineAuth validates the X-API-Key header against the machine in the path.
func (s *Server) machineAuth(c *gin.Context) {
	machineID := c.Param("id")
	key := c.GetHeader("X-API-Key")
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
		return
	}
	if _, err := s.engine.AuthenticateMachine(c.Request.Context(), machineID, key); err != nil {
		switch {
		case errors.Is(err, witness.ErrUnauthorized), errors.Is(err, witness.ErrMachineRemoved):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, witness.ErrMachineNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		default:
			s.logger.Error("authentication check failed", "machine", machineID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.Next()
}

// fail translates service errors to HTTP responses.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, witness.ErrMachineNotFound),
		errors.Is(err, witness.ErrGroupNotFound),
		errors.Is(err, witness.ErrConflictNotFound),
		errors.Is(err, witness.ErrStateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, witness.ErrMachineRemoved):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, witness.ErrStaleReport),
		errors.Is(err, witness.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		var cfgErr *witness.ConfigError
		if errors.As(err, &cfgErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": cfgErr.Error()})
			return
		}
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
