package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"aicodeview-backend/internal/detector"
	"aicodeview-backend/internal/generator"
	"aicodeview-backend/internal/model"
	"aicodeview-backend/internal/service"
	"aicodeview-backend/internal/storage"
	"aicodeview-backend/internal/utils"
	"aicodeview-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const defaultHeartbeat = 30 * time.Second

type SessionService interface {
	CreateSession(title string) (*model.Session, error)
	GetSession(sessionID string) (*model.Session, error)
	ListSessions() ([]*model.Session, error)
	DeleteSession(sessionID string) error
	Generate(ctx context.Context, sessionID, input string) (model.State, error)
	Copy(ctx context.Context, sessionID string, clip service.Clipboard) (model.State, error)
	Subscribe(sessionID string) (<-chan model.State, func(), error)
}

type CodeGenerator interface {
	Generate(ctx context.Context, input string) (*generator.Result, error)
}

type GenerationHandler struct {
	sessions  SessionService
	generator CodeGenerator
	clipboard service.Clipboard
	heartbeat time.Duration
}

func NewGenerationHandler(sessions SessionService, gen CodeGenerator, clip service.Clipboard) *GenerationHandler {
	return &GenerationHandler{
		sessions:  sessions,
		generator: gen,
		clipboard: clip,
		heartbeat: defaultHeartbeat,
	}
}

// WithHeartbeat overrides the interval between SSE heartbeats.
func (h *GenerationHandler) WithHeartbeat(d time.Duration) *GenerationHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// Register mounts every route under group.
func (h *GenerationHandler) Register(group *gin.RouterGroup) {
	group.GET("/languages", h.Languages)
	group.POST("/generate", h.Generate)

	sessions := group.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:session_id", h.GetSession)
		sessions.DELETE("/:session_id", h.DeleteSession)
		sessions.POST("/:session_id/generate", h.GenerateInSession)
		sessions.POST("/:session_id/copy", h.Copy)
		sessions.GET("/:session_id/events", h.Events)
	}
}

func (h *GenerationHandler) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"languages": detector.Languages(),
		"default":   detector.Default,
	})
}

// Generate is the stateless variant: one description in, one result out.
func (h *GenerationHandler) Generate(c *gin.Context) {
	var req model.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.generator.Generate(c.Request.Context(), req.Input)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": generator.UserMessage(err)})
		return
	}

	c.JSON(http.StatusOK, model.GenerateResponse{Code: res.Code, Language: res.Language})
}

func (h *GenerationHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	// an empty body means a default title
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.sessions.CreateSession(req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *GenerationHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]model.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, model.NewSessionResponse(s))
	}

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *GenerationHandler) GetSession(c *gin.Context) {
	session, err := h.sessions.GetSession(c.Param("session_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *GenerationHandler) DeleteSession(c *gin.Context) {
	if err := h.sessions.DeleteSession(c.Param("session_id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

func (h *GenerationHandler) GenerateInSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req model.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st, err := h.sessions.Generate(c.Request.Context(), sessionID, req.Input)
	h.respondState(c, sessionID, st, err)
}

func (h *GenerationHandler) Copy(c *gin.Context) {
	sessionID := c.Param("session_id")

	st, err := h.sessions.Copy(c.Request.Context(), sessionID, h.clipboard)
	h.respondState(c, sessionID, st, err)
}

func (h *GenerationHandler) respondState(c *gin.Context, sessionID string, st model.State, err error) {
	if err == nil {
		c.JSON(http.StatusOK, model.SessionStateResponse{SessionID: sessionID, State: st})
		return
	}

	status := statusFor(err)
	if status == http.StatusNotFound {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	msg := st.Error
	if errors.Is(err, service.ErrBusy) {
		// a rejected request publishes nothing; report the live state
		msg = service.MsgBusy
		if session, gerr := h.sessions.GetSession(sessionID); gerr == nil {
			st = session.State
		}
	}
	if msg == "" {
		msg = generator.UserMessage(err)
	}

	c.JSON(status, model.SessionStateResponse{SessionID: sessionID, State: st, Error: msg})
}

// Events streams every published state of the session as SSE "state" events,
// with periodic heartbeats so idle proxies keep the connection open.
func (h *GenerationHandler) Events(c *gin.Context) {
	sessionID := c.Param("session_id")

	states, cancel, err := h.sessions.Subscribe(sessionID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	sse := utils.NewSSEWriter(c)
	ctx := c.Request.Context()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				sse.Close()
				return
			}
			if err := sse.Write("state", st); err != nil {
				logger.Debugf("SSE client for %s went away: %v", sessionID, err)
				return
			}
		case <-heartbeat.C:
			if err := sse.Write("heartbeat", gin.H{"timestamp": time.Now().Unix()}); err != nil {
				logger.Debugf("SSE client for %s went away: %v", sessionID, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func statusFor(err error) int {
	var ge *generator.Error
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrClipboard):
		return http.StatusInternalServerError
	case errors.As(err, &ge):
		if ge.Kind == generator.KindValidation {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
