package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/push"
	"github.com/nhle/task-sync/internal/reminder"
	"github.com/nhle/task-sync/internal/store"
	appsync "github.com/nhle/task-sync/internal/sync"
)

// scanRunTimeout bounds a scan started from the admin endpoint.
const scanRunTimeout = 5 * time.Minute

type fetchResponse struct {
	Tasks   []model.Task `json:"tasks"`
	Version int64        `json:"version"`
}

// publishRequest keeps Tasks as a pointer so a missing field is rejected
// rather than read as an empty collection.
type publishRequest struct {
	Tasks   *[]model.Task `json:"tasks"`
	Version int64         `json:"version"`
	Force   bool          `json:"force"`
}

type publishResponse struct {
	Version int64 `json:"version"`
}

type conflictResponse struct {
	Error         string `json:"error"`
	ServerVersion int64  `json:"serverVersion"`
	Message       string `json:"message"`
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
	ExpirationTime *float64 `json:"expirationTime"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

type scannerStatusResponse struct {
	Running       bool       `json:"running"`
	LastStarted   *time.Time `json:"lastStarted,omitempty"`
	LastFinished  *time.Time `json:"lastFinished,omitempty"`
	UsersScanned  int        `json:"usersScanned"`
	TasksNotified int        `json:"tasksNotified"`
	UserErrors    int        `json:"userErrors"`
	SkippedTicks  int64      `json:"skippedTicks"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleFetch(c *gin.Context) {
	id := identity(c)

	coll, err := s.deps.Sync.Fetch(c.Request.Context(), id.Username)
	if err != nil {
		s.internalError(c, err)
		return
	}

	tasks := coll.Tasks
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusOK, fetchResponse{Tasks: tasks, Version: coll.Version})
}

func (s *Server) handlePublish(c *gin.Context) {
	id := identity(c)

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Tasks == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tasks is required"})
		return
	}
	if req.Version < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must not be negative"})
		return
	}

	result, err := s.deps.Sync.Publish(c.Request.Context(), id.Username, appsync.PublishRequest{
		Tasks:   *req.Tasks,
		Version: req.Version,
		Force:   req.Force,
	})
	if conflict, ok := appsync.IsConflict(err); ok {
		c.JSON(http.StatusConflict, conflictResponse{
			Error:         "Conflict",
			ServerVersion: conflict.ServerVersion,
			Message:       conflict.Advice(),
		})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, publishResponse{Version: result.Version})
}

func (s *Server) handleVAPIDKey(c *gin.Context) {
	key, err := s.deps.Push.PublicKey()
	if errors.Is(err, push.ErrNotConfigured) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

func (s *Server) handleSubscribe(c *gin.Context) {
	id := identity(c)

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription: " + err.Error()})
		return
	}

	sub := model.Subscription{
		Endpoint: req.Endpoint,
		Username: id.Username,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if req.ExpirationTime != nil {
		sub.ExpirationTime = model.Millis(int64(*req.ExpirationTime))
	}

	if err := s.deps.Subscriptions.UpsertSubscription(c.Request.Context(), sub); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"endpoint": sub.Endpoint})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	id := identity(c)

	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	sub, err := s.deps.Subscriptions.GetSubscription(ctx, req.Endpoint)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sub.Username != id.Username) {
		c.JSON(http.StatusOK, gin.H{"removed": false})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	if err := s.deps.Subscriptions.DeleteSubscription(ctx, req.Endpoint); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) handleTestNotification(c *gin.Context) {
	id := identity(c)

	if !s.deps.Push.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}

	sent, err := s.deps.Push.Dispatch(c.Request.Context(), id.Username, push.TestMessage(s.deps.NotificationURL))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func (s *Server) handleScannerStatus(c *gin.Context) {
	if s.deps.Scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reminder scanner is disabled"})
		return
	}
	c.JSON(http.StatusOK, toScannerStatus(s.deps.Scanner.Status()))
}

func (s *Server) handleScannerRun(c *gin.Context) {
	if s.deps.Scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reminder scanner is disabled"})
		return
	}

	// Detached from the request: a scan cut off between its sends and the
	// write-back resends those reminders on the next tick.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), scanRunTimeout)
	defer cancel()

	res := s.deps.Scanner.RunOnce(ctx)
	if res.Skipped {
		c.JSON(http.StatusConflict, gin.H{"error": "a scan is already running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"usersScanned":  res.UsersScanned,
		"tasksNotified": res.TasksNotified,
		"userErrors":    res.UserErrors,
	})
}

// internalError hides storage details from the client; the access log
// picks the error up from c.Errors.
func (s *Server) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func toScannerStatus(st reminder.Status) scannerStatusResponse {
	resp := scannerStatusResponse{
		Running:       st.Running,
		UsersScanned:  st.UsersScanned,
		TasksNotified: st.TasksNotified,
		UserErrors:    st.UserErrors,
		SkippedTicks:  st.SkippedTicks,
		LastError:     st.LastError,
	}
	if !st.LastStarted.IsZero() {
		t := st.LastStarted
		resp.LastStarted = &t
	}
	if !st.LastFinished.IsZero() {
		t := st.LastFinished
		resp.LastFinished = &t
	}
	return resp
}
