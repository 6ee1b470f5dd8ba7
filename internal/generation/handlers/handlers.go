// Package handlers exposes the generation API over HTTP: JSON control routes
// plus streaming event delivery over WebSocket or chunked NDJSON.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/runlab/agentd/internal/common/errors"
	"github.com/runlab/agentd/internal/common/logger"
	"github.com/runlab/agentd/internal/generation"
	"github.com/runlab/agentd/internal/generation/agent"
	"github.com/runlab/agentd/internal/generation/jobs"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// agentd binds to localhost; origin checks belong to a fronting proxy.
		return true
	},
}

// Handlers serves the generation API.
type Handlers struct {
	service *generation.Service
	logger  *logger.Logger
}

// RegisterRoutes wires the generation routes onto the router.
func RegisterRoutes(router *gin.Engine, svc *generation.Service, log *logger.Logger) {
	h := &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "generation-handlers")),
	}

	router.GET("/healthz", h.health)

	api := router.Group("/v1")
	api.POST("/sessions/:id/generate", h.generate)
	api.GET("/sessions/:id/generate", h.generate) // WebSocket foreground clients
	api.POST("/sessions/:id/stop", h.stop)
	api.GET("/jobs/:taskId", h.getJob)
	api.GET("/jobs/:taskId/stream", h.streamJob)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type generateBody struct {
	Prompt     string   `json:"prompt"`
	Backend    string   `json:"backend,omitempty"`
	WorkDir    string   `json:"workdir,omitempty"`
	Model      string   `json:"model,omitempty"`
	Images     []string `json:"images,omitempty"`
	Background bool     `json:"background,omitempty"`
}

// generate starts a turn. Background requests get a 202 with the task id.
// Foreground requests stream events back on the same connection: over
// WebSocket when the client upgrades, otherwise as chunked NDJSON.
func (h *Handlers) generate(c *gin.Context) {
	sessionID := c.Param("id")
	wantWS := websocket.IsWebSocketUpgrade(c.Request)

	var body generateBody
	if wantWS {
		// Upgrade requests carry parameters in the query string; images
		// repeat the key once per path.
		body.Prompt = c.Query("prompt")
		body.Backend = c.Query("backend")
		body.WorkDir = c.Query("workdir")
		body.Model = c.Query("model")
		body.Images = c.QueryArray("images")
	} else if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, apperrors.InvalidRequest("invalid request body"))
		return
	}

	req := generation.Request{
		SessionID:  sessionID,
		Prompt:     body.Prompt,
		Backend:    agent.Kind(body.Backend),
		WorkDir:    body.WorkDir,
		Model:      body.Model,
		Images:     body.Images,
		Background: body.Background && !wantWS,
	}

	res, err := h.service.Generate(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if res.TaskID != "" {
		c.JSON(http.StatusAccepted, gin.H{"task_id": res.TaskID})
		return
	}

	if wantWS {
		h.streamForegroundWS(c, sessionID, res.Stream)
		return
	}
	h.streamForegroundNDJSON(c, res.Stream)
}

func (h *Handlers) streamForegroundWS(c *gin.Context, sessionID string, stream *generation.ForegroundStream) {
	defer stream.Close()
	log := h.logger.WithSessionID(sessionID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", zap.Error(err))
		stream.Cancel()
		return
	}
	defer conn.Close()

	// The read loop exists to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				stream.Cancel()
				return
			}
		}
	}()

	for event := range stream.Events {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, event); err != nil {
			log.Debug("websocket write failed, cancelling turn", zap.Error(err))
			stream.Cancel()
			return
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Handlers) streamForegroundNDJSON(c *gin.Context, stream *generation.ForegroundStream) {
	defer stream.Close()
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case event, ok := <-stream.Events:
			if !ok {
				return
			}
			c.Writer.Write(event)
			c.Writer.Write([]byte("\n"))
			c.Writer.Flush()
		case <-clientGone:
			stream.Cancel()
			return
		}
	}
}

func (h *Handlers) stop(c *gin.Context) {
	sessionID := c.Param("id")
	stopped := h.service.StopGeneration(sessionID)
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (h *Handlers) getJob(c *gin.Context) {
	status, err := h.service.GetJobStatus(c.Param("taskId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// streamJob replays a background job's full event log and then follows it
// live over WebSocket until the job reaches a terminal state.
func (h *Handlers) streamJob(c *gin.Context) {
	taskID := c.Param("taskId")
	log := h.logger.WithTaskID(taskID)

	sub, err := h.service.StreamJob(taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}()

	write := func(event json.RawMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, event); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			sub.Unsubscribe()
			return false
		}
		return true
	}

	for _, event := range sub.Replay {
		if !write(event) {
			return
		}
	}
	for event := range sub.Events {
		if !write(event) {
			return
		}
	}

	// A failed job's log carries no terminal record; surface the error so
	// stream consumers do not have to poll the status route.
	if status, err := h.service.GetJobStatus(taskID); err == nil && status.Status == jobs.StatusFailed {
		payload, _ := json.Marshal(gin.H{"type": "error", "error": status.Error})
		write(payload)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("request failed", err)
		h.logger.Error("unclassified handler error", zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}
