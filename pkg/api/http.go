package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/models"
)

// HTTPServer is the operational listener: health, Prometheus metrics, REST
// mirrors of the unary calls, and the dashboard WebSocket stream.
type HTTPServer struct {
	cfg    config.ServerConfig
	core   *Core
	hubRef *hub.Hub
	clk    clock.Clock
	logger *slog.Logger

	router *gin.Engine
	srv    *http.Server
}

// NewHTTPServer builds the router. registry may be nil to skip /metrics.
func NewHTTPServer(cfg config.ServerConfig, core *Core, hubRef *hub.Hub, registry *prometheus.Registry, clk clock.Clock, logger *slog.Logger) *HTTPServer {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		cfg:    cfg,
		core:   core,
		hubRef: hubRef,
		clk:    clk,
		logger: logger.With("component", "http"),
		router: router,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/alerts", s.handleSubmitAlert)
		apiGroup.GET("/incidents", s.handleListIncidents)
		apiGroup.GET("/incidents/:id", s.handleGetIncident)
		apiGroup.POST("/incidents/:id/cancel", s.handleCancelIncident)
		apiGroup.GET("/metrics", s.handleMetrics)
		apiGroup.GET("/stream", s.handleStream)
	}
	return s
}

// Router exposes the handler for tests.
func (s *HTTPServer) Router() http.Handler { return s.router }

// Start binds the configured address and serves until Shutdown.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return errs.Wrap(errs.Internal, "bind http listener", err)
	}
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("HTTP listener started", "addr", ln.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health := s.core.Health(ctx)
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if !s.core.Health(ctx).Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *HTTPServer) handleSubmitAlert(c *gin.Context) {
	var req SubmitAlertParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.core.SubmitAlert(c.Request.Context(), req)
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *HTTPServer) handleListIncidents(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.ListIncidents())
}

func (s *HTTPServer) handleGetIncident(c *gin.Context) {
	inc, err := s.core.GetIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *HTTPServer) handleCancelIncident(c *gin.Context) {
	if err := s.core.CancelIncident(c.Request.Context(), c.Param("id")); err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, AckResult{Status: "cancelled"})
}

func (s *HTTPServer) handleMetrics(c *gin.Context) {
	snap, err := s.core.Metrics()
	if err != nil {
		s.writeHTTPError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStream upgrades to a WebSocket and bridges it to a hub subscriber.
// Query parameters: incident_id (repeatable), kind (repeatable), from
// (catch-up sequence, requires exactly one incident_id).
func (s *HTTPServer) handleStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	filter := hub.Filter{IncidentIDs: c.QueryArray("incident_id")}
	for _, k := range c.QueryArray("kind") {
		filter.Kinds = append(filter.Kinds, models.EventKind(k))
	}

	ctx := c.Request.Context()
	send := func(sendCtx context.Context, batch []hub.Envelope) error {
		writeCtx, cancel := context.WithTimeout(sendCtx, writeTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, batch)
	}

	var sub *hub.Subscriber
	if fromRaw := c.Query("from"); fromRaw != "" {
		if len(filter.IncidentIDs) != 1 {
			conn.Close(websocket.StatusPolicyViolation, "from requires exactly one incident_id")
			return
		}
		from, perr := strconv.ParseUint(fromRaw, 10, 64)
		if perr != nil {
			conn.Close(websocket.StatusPolicyViolation, "from must be an unsigned integer")
			return
		}
		sub, err = s.hubRef.SubscribeFrom(ctx, filter, send, filter.IncidentIDs[0], from)
	} else {
		sub, err = s.hubRef.Subscribe(filter, send)
	}
	if err != nil {
		s.logger.Warn("WebSocket subscribe failed", "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer s.hubRef.Unsubscribe(sub.ID())

	// The read side only tracks liveness; clients may send anything.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		sub.Heartbeat(s.clk.Now())
	}
}

func (s *HTTPServer) writeHTTPError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Throttled:
		status = http.StatusTooManyRequests
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	case errs.CircuitOpen:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  kind.Code(),
		"kind":  kind.String(),
	})
}
