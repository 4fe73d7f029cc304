package httpServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"screenrelay/internal/auth"
	"screenrelay/internal/metrics"
	"screenrelay/internal/storage"
	"screenrelay/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// CaptureController is the host orchestrator as seen by the API
type CaptureController interface {
	StartCapture(fps uint) (*models.Session, error)
	StopCapture(reason models.StopReason) error
	SessionInfo() (models.SessionInfo, bool)
}

// SnapshotSource lists and reads archived frames
type SnapshotSource interface {
	Snapshots(sessionID string) []*models.Snapshot
	Latest(sessionID string) (*models.Snapshot, error)
	Read(snap *models.Snapshot) ([]byte, error)
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router      *gin.Engine
	capture     CaptureController
	authManager *auth.Manager
	snapshots   SnapshotSource
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
}

// New creates a new HTTP server. snapshots may be nil when recording is
// disabled; gatherer may be nil to leave /metrics unrouted.
func New(capture CaptureController, authManager *auth.Manager, snapshots SnapshotSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		capture:     capture,
		authManager: authManager,
		snapshots:   snapshots,
		metrics:     m,
		gatherer:    gatherer,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.Default()
	router.Use(s.instrument)

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/session", s.handleGetSession)
		api.POST("/v1/session/start", s.handleStartSession)
		api.POST("/v1/session/token", s.handleIssueToken)
		api.POST("/v1/session/stop", s.handleStopSession)
		api.GET("/v1/snapshots", s.handleListSnapshots)
		api.GET("/v1/snapshots/latest", s.handleLatestSnapshot)
	}

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records request counts and latency per route
func (s *Server) instrument(c *gin.Context) {
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, ok := s.capture.SessionInfo()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no capture session"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req models.StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	session, err := s.capture.StartCapture(req.FPS)
	if err != nil {
		log.Printf("Failed to start capture: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start capture"})
		return
	}

	c.JSON(http.StatusOK, session.Info(models.ReceiverStats{}))
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req models.TokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	info, ok := s.capture.SessionInfo()
	if !ok || info.State == string(models.SessionStateStopped) {
		c.JSON(http.StatusConflict, gin.H{"error": "no active capture session"})
		return
	}

	token, err := s.authManager.Issue(info.ID, time.Duration(req.ExpiresIn)*time.Second, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.TokenResponse{
		SessionID: info.ID,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleStopSession(c *gin.Context) {
	tokenString, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	var req models.StopRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	switch req.Reason {
	case "", models.StopReasonCallEnded, models.StopReasonPresentationStolen:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown reason %q", req.Reason)})
		return
	}

	info, exists := s.capture.SessionInfo()
	if !exists || info.State == string(models.SessionStateStopped) {
		c.JSON(http.StatusConflict, gin.H{"error": "no active capture session"})
		return
	}

	if err := s.authManager.Consume(tokenString, info.ID); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrWrongSession) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := s.capture.StopCapture(req.Reason); err != nil {
		log.WithField("session", info.ID).Warnf("Capture stopped with errors: %v", err)
	}
	s.authManager.RevokeSession(info.ID)

	c.JSON(http.StatusOK, gin.H{
		"message":   "capture stopped",
		"sessionId": info.ID,
		"reason":    req.Reason,
	})
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	sessionID, ok := s.snapshotSession(c)
	if !ok {
		return
	}

	snaps := s.snapshots.Snapshots(sessionID)
	infos := make([]models.SnapshotInfo, len(snaps))
	for i, snap := range snaps {
		infos[i] = snapshotToInfo(snap)
	}

	c.JSON(http.StatusOK, models.SnapshotListResponse{
		Snapshots: infos,
		Total:     len(infos),
	})
}

func (s *Server) handleLatestSnapshot(c *gin.Context) {
	sessionID, ok := s.snapshotSession(c)
	if !ok {
		return
	}

	snap, err := s.snapshots.Latest(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot available"})
		return
	}

	data, err := s.snapshots.Read(snap)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "snapshot not readable"})
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Snapshot-Sequence", strconv.FormatUint(snap.SequenceNum, 10))
	c.Header("X-Frame-Resolution", fmt.Sprintf("%dx%d", snap.Width, snap.Height))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Helper functions

func (s *Server) snapshotSession(c *gin.Context) (string, bool) {
	if s.snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots disabled"})
		return "", false
	}
	info, ok := s.capture.SessionInfo()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no capture session"})
		return "", false
	}
	return info.ID, true
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func snapshotToInfo(snap *models.Snapshot) models.SnapshotInfo {
	return models.SnapshotInfo{
		SessionID:   snap.SessionID,
		SequenceNum: snap.SequenceNum,
		Path:        snap.FilePath,
		Size:        snap.FileSize,
		Resolution:  fmt.Sprintf("%dx%d", snap.Width, snap.Height),
		CreatedAt:   snap.CreatedAt.Format(time.RFC3339),
	}
}
