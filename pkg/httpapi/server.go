// Package httpapi exposes a small local control-plane HTTP API over a
// turms.Facade: generate and accept SDP blobs and push outbound messages,
// so a caller that does not want to embed the facade directly (a shell
// script driving curl, a sidecar process) still has a way in.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/turms"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults for local development use.
func DefaultConfig() Config {
	return Config{
		Port:         8088,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server wraps a gin.Engine bound to one Facade.
type Server struct {
	facade     *turms.Facade
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// NewServer builds a Server around facade using cfg. gin is left in its
// default (debug) mode here; callers that ship this in production should
// call gin.SetMode(gin.ReleaseMode) before constructing it.
func NewServer(facade *turms.Facade, cfg Config) *Server {
	router := gin.Default()

	if cfg.EnableCORS {
		router.Use(corsMiddleware())
	}
	router.Use(rateLimitMiddleware(cfg.RateLimit))
	router.Use(gin.Recovery())

	s := &Server{facade: facade, router: router, port: cfg.Port}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/offer", s.handleCreateOffer)
		v1.POST("/accept", s.handleAccept)
		v1.POST("/peers/:peerId/send", s.handleSend)
		v1.POST("/account/save", s.handleSaveAccount)
		v1.POST("/account/restore", s.handleRestoreAccount)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateOffer(c *gin.Context) {
	offer, err := s.facade.CreatePeerOffer(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (s *Server) handleAccept(c *gin.Context) {
	var sdp webrtc.SessionDescription
	if err := c.ShouldBindJSON(&sdp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.facade.Accept(c.Request.Context(), sdp)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	switch result.Kind {
	case turms.ResultIncomingOffer:
		c.JSON(http.StatusOK, gin.H{"kind": "incoming_offer", "answer": result.Answer})
	case turms.ResultCompleted:
		c.JSON(http.StatusOK, gin.H{
			"kind":           "completed",
			"peer_id":        result.PeerID,
			"ratchet_pickle": result.RatchetPickle,
		})
	}
}

func (s *Server) handleSend(c *gin.Context) {
	peerID := c.Param("peerId")

	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := frame.NewMessage(frame.Message{
		Recipient: peerID,
		Content:   body.Text,
		Timestamp: time.Now(),
	})
	if err := s.facade.Send(peerID, ev); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) handleSaveAccount(c *gin.Context) {
	pickle, err := s.facade.SaveAccount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pickle": pickle})
}

func (s *Server) handleRestoreAccount(c *gin.Context) {
	var body struct {
		Pickle string `json:"pickle"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.facade.RestoreAccount(body.Pickle); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored"})
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
