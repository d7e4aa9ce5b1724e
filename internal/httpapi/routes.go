package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypoint/internal/conductor"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/models"
	"github.com/zulandar/waypoint/internal/tool"
	"github.com/zulandar/waypoint/internal/variable"
)

type handlers struct {
	Deps
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.POST("/sessions", h.startSession)
	api.POST("/sessions/:id/events", h.appendEvent)
	api.GET("/sessions/:id/events", h.replay)
	api.GET("/sessions/:id/state", h.sessionState)
	api.GET("/sessions/:id/journey", h.journeyState)
	api.POST("/sessions/:id/journey/skip", h.skip)
	api.POST("/sessions/:id/trigger", h.trigger)
	api.POST("/sessions/:id/mode", h.setMode)
	api.POST("/sessions/:id/complete", h.complete)
	api.POST("/sessions/:id/abandon", h.abandon)
	api.GET("/sessions/:id/stream", h.stream)

	api.GET("/tools", h.listTools)
	api.POST("/tools/:id/invoke", h.invokeTool)

	api.POST("/workflows/:id/convert", h.convert)
	api.GET("/workflows/:id/history", h.history)
}

func (h *handlers) health(c *gin.Context) {
	sqlDB, err := h.Conductor.Log.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) startSession(c *gin.Context) {
	var req conductor.StartOpts
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	sess, err := h.Conductor.StartSession(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type appendRequest struct {
	Type     string          `json:"type" validate:"required,oneof=customer_message agent_message variable_update status_update"`
	Text     string          `json:"text"`
	Platform string          `json:"platform"`
	Content  json.RawMessage `json:"content"`
}

// appendEvent accepts customer messages, which run a turn per the session's
// mode, and the externally writable event types: agent messages (human
// takeover), variable updates and status updates.
func (h *handlers) appendEvent(c *gin.Context) {
	var req appendRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	if req.Type == models.EventCustomerMessage {
		msg := eventlog.CustomerMessage{Text: req.Text, Platform: req.Platform}
		if len(req.Content) > 0 {
			if err := json.Unmarshal(req.Content, &msg); err != nil {
				respondError(c, fmt.Errorf("content: %v: %w", err, fault.ErrInvalidInput))
				return
			}
		}
		turn, err := h.Conductor.HandleMessage(ctx, sessionID, msg)
		if err != nil && turn == nil {
			respondError(c, err)
			return
		}
		body := gin.H{"turn": turn}
		if err != nil {
			body["error"] = fault.Code(err)
			body["message"] = err.Error()
		}
		c.JSON(http.StatusCreated, body)
		return
	}

	content, err := eventlog.DecodeContent(req.Type, req.Content)
	if err != nil {
		respondError(c, fmt.Errorf("%v: %w", err, fault.ErrInvalidInput))
		return
	}
	var ev *models.Event
	switch v := content.(type) {
	case eventlog.AgentMessage:
		if v.Text == "" && req.Text != "" {
			v.Text = req.Text
		}
		ev, err = h.Conductor.Log.Append(ctx, sessionID, v, eventlog.Meta{})
	case eventlog.VariableUpdate:
		err = h.writeVariable(c, sessionID, v)
		if err == nil {
			c.Status(http.StatusNoContent)
			return
		}
	case eventlog.StatusUpdate:
		ev, err = h.statusUpdate(c, sessionID, v)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *handlers) writeVariable(c *gin.Context, sessionID string, v eventlog.VariableUpdate) error {
	ctx := c.Request.Context()
	if v.Deleted {
		return h.Conductor.Variables.Delete(ctx, models.ScopeSession, sessionID, v.Key)
	}
	value := v.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	_, err := h.Conductor.Variables.Set(ctx, models.ScopeSession, sessionID, v.Key, value, variable.SetOptions{Private: v.Private})
	return err
}

func (h *handlers) statusUpdate(c *gin.Context, sessionID string, v eventlog.StatusUpdate) (*models.Event, error) {
	ctx := c.Request.Context()
	switch v.Status {
	case models.SessionCompleted:
		return h.Conductor.Complete(ctx, sessionID, v.Reason)
	case models.SessionAbandoned:
		return h.Conductor.Abandon(ctx, sessionID, v.Reason)
	case "":
		if v.Mode != "" {
			return h.Conductor.SetMode(ctx, sessionID, v.Mode)
		}
		return nil, fmt.Errorf("status update needs a status or mode: %w", fault.ErrInvalidInput)
	}
	return nil, fmt.Errorf("status %q cannot be set externally: %w", v.Status, fault.ErrInvalidInput)
}

func (h *handlers) replay(c *gin.Context) {
	var from int64
	if s := c.Query("from"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			respondError(c, fmt.Errorf("from must be a non-negative offset: %w", fault.ErrInvalidInput))
			return
		}
		from = n
	}
	events, err := h.Conductor.Log.Replay(c.Request.Context(), c.Param("id"), from)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// sessionState returns the projection of the session's log with private
// variables redacted.
func (h *handlers) sessionState(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	st, err := h.Conductor.Log.ProjectSession(ctx, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	vars, err := h.Conductor.Variables.List(ctx, models.ScopeSession, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, v := range variable.Redacted(vars) {
		if v.IsPrivate {
			st.Variables[v.Key] = json.RawMessage(v.Value)
		}
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) journeyState(c *gin.Context) {
	pos, err := h.Conductor.Journeys.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *handlers) skip(c *gin.Context) {
	step, err := h.Conductor.Skip(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h *handlers) trigger(c *gin.Context) {
	turn, err := h.Conductor.Trigger(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, turn)
}

type modeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=auto manual paused"`
}

func (h *handlers) setMode(c *gin.Context) {
	var req modeRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ev, err := h.Conductor.SetMode(c.Request.Context(), c.Param("id"), req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type closeRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

func (h *handlers) complete(c *gin.Context) {
	var req closeRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ev, err := h.Conductor.Complete(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *handlers) abandon(c *gin.Context) {
	var req closeRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ev, err := h.Conductor.Abandon(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *handlers) listTools(c *gin.Context) {
	tools, err := h.Conductor.Tools.Registry().List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

type invokeRequest struct {
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	Args      json.RawMessage `json:"args"`
}

func (h *handlers) invokeTool(c *gin.Context) {
	var req invokeRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	caller := tool.Caller{AgentID: req.AgentID}
	if h.Auth != nil {
		if agentID, ok := h.Auth.Authenticate(c.Request); ok && (req.AgentID == "" || agentID == req.AgentID) {
			caller = tool.Caller{AgentID: agentID, Authenticated: true}
		}
	}
	res, err := h.Conductor.Tools.Invoke(c.Request.Context(), c.Param("id"), req.SessionID, req.Args, caller)
	if err != nil {
		status := fault.HTTPStatus(err)
		c.JSON(status, gin.H{"error": fault.Code(err), "message": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

type convertRequest struct {
	Parameters          map[string]any `json:"parameters"`
	InstantiateForAgent string         `json:"instantiate_for_agent"`
}

func (h *handlers) convert(c *gin.Context) {
	var req convertRequest
	if err := bindExact(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	conv, err := h.Converter.Convert(ctx, c.Param("id"), req.Parameters)
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{
		"cache_hit": conv.CacheHit,
		"result":    json.RawMessage(conv.Raw),
	}
	if req.InstantiateForAgent != "" {
		j, err := h.Converter.Instantiate(ctx, req.InstantiateForAgent, conv)
		if err != nil {
			respondError(c, err)
			return
		}
		body["journey"] = j
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.Converter.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}
