// Package api exposes the synchronization manager over HTTP
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// SyncService is the part of the sync manager the API drives
type SyncService interface {
	Synchronize(ctx context.Context, accountID string, opts syncer.Options) (syncer.Result, error)
	QueueRequest(ctx context.Context, req request.Request, accountID string, triggerSync bool) error
	Status(accountID string) (syncer.State, int, error)
	IsSynchronizing(accountID string) bool
	DestroySynchronizer(accountID string) error
	TestConnectivity(ctx context.Context, server model.ServerInfo) error
	RunningSyncs() []string
}

// Authenticator identifies the caller of a request
type Authenticator interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

// Server holds the collaborators of the HTTP handlers
type Server struct {
	Sync    SyncService
	Auth    Authenticator
	Builder *request.Builder
	Logger  zerolog.Logger
}

type outcomeResponse struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Error     string `json:"error,omitempty"`
}

type syncResponse struct {
	Status    syncer.Status     `json:"status"`
	NewUnread int               `json:"new_unread"`
	Outcomes  []outcomeResponse `json:"outcomes,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Router builds the gin engine. Everything but /healthz requires a bearer
// token accepted by s.Auth.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.Sync.RunningSyncs()})
	})

	authorized := r.Group("/")
	authorized.Use(s.authMiddleware())

	authorized.POST("/accounts/:id/sync", s.synchronize)
	authorized.POST("/accounts/:id/requests", s.queueRequest)
	authorized.POST("/accounts/:id/operations", s.queueOperation)
	authorized.GET("/accounts/:id/status", s.status)
	authorized.DELETE("/accounts/:id/synchronizer", s.destroy)
	authorized.POST("/connectivity", s.testConnectivity)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		principal, err := s.Auth.PrincipalFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("principal", principal)
		c.Next()
	}
}

// synchronize runs one pass and waits for it. An empty body means an
// inbox pass.
func (s *Server) synchronize(c *gin.Context) {
	opts := syncer.Options{Type: syncer.TypeInbox}
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.Sync.Synchronize(c.Request.Context(), c.Param("id"), opts)
	resp := syncResponse{Status: res.Status, NewUnread: len(res.NewUnread)}
	for _, o := range res.Outcomes {
		out := outcomeResponse{RequestID: o.Request.ID(), Kind: string(o.Request.Kind())}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	if err != nil {
		resp.Error = err.Error()
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// queueRequest accepts one serialized request envelope
func (s *Server) queueRequest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := request.Unmarshal(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trigger := c.DefaultQuery("sync", "true") != "false"
	if err := s.Sync.QueueRequest(c.Request.Context(), req, c.Param("id"), trigger); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": req.ID(), "kind": req.Kind()})
}

// queueOperation applies the business rules of a user action and queues
// the resulting requests, triggering one pass after the last
func (s *Server) queueOperation(c *gin.Context) {
	var op request.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accountID := c.Param("id")
	for _, item := range op.Items {
		if item.AccountID != accountID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item " + item.CopyID + " belongs to another account"})
			return
		}
	}

	reqs, err := s.Builder.Build(c.Request.Context(), op)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		if err := s.Sync.QueueRequest(c.Request.Context(), req, accountID, i == len(reqs)-1); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "queued": ids})
			return
		}
		ids = append(ids, req.ID())
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": ids})
}

func (s *Server) status(c *gin.Context) {
	accountID := c.Param("id")
	state, pending, err := s.Sync.Status(accountID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":         state,
		"pending":       pending,
		"synchronizing": s.Sync.IsSynchronizing(accountID),
	})
}

func (s *Server) destroy(c *gin.Context) {
	if err := s.Sync.DestroySynchronizer(c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) testConnectivity(c *gin.Context) {
	var server model.ServerInfo
	if err := c.ShouldBindJSON(&server); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Sync.TestConnectivity(c.Request.Context(), server); err != nil {
		c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncer.ErrSynchronizerNotFound), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrInvalidMoveTarget),
		errors.Is(err, syncer.ErrUnsupportedOperation),
		errors.Is(err, syncer.ErrMissingSpecialFolder):
		return http.StatusUnprocessableEntity
	case errors.Is(err, syncer.ErrCanceled), errors.Is(err, context.Canceled):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}
