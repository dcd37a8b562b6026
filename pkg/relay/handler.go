package relay

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sandrelay/sandrelay/pkg/config"
	"github.com/sandrelay/sandrelay/pkg/log"
	"github.com/sandrelay/sandrelay/pkg/session"
	"github.com/sandrelay/sandrelay/pkg/sse"
)

// Handler exposes the relay over HTTP.
type Handler struct {
	cfg      *config.Config
	sessions *session.Manager
	orch     *Orchestrator
	// credential and baseURL are resolved at request time so rotated env
	// values take effect without a restart.
	credential func() string
	baseURL    func() string
}

// NewHandler builds the HTTP handler.
func NewHandler(cfg *config.Config, sessions *session.Manager, orch *Orchestrator) *Handler {
	return &Handler{
		cfg:        cfg,
		sessions:   sessions,
		orch:       orch,
		credential: config.ResolveCredential,
		baseURL:    config.ResolveBaseURL,
	}
}

// Register mounts the relay routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/api/relay", h.Relay)
	e.GET("/healthz", h.Health)
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

type relayRequest struct {
	Action             string `json:"action"`
	SessionID          string `json:"sessionId"`
	Message            string `json:"message"`
	PreviousResponseID string `json:"previousResponseId"`
	Model              string `json:"model"`
}

// Relay dispatches the session actions. Malformed bodies are treated as
// empty requests rather than rejected, so action validation produces the
// caller-visible error.
func (h *Handler) Relay(c echo.Context) error {
	var req relayRequest
	if err := c.Bind(&req); err != nil {
		req = relayRequest{}
	}

	// Expiry runs before any registry operation in every request.
	h.sessions.SweepExpired(c.Request().Context(), time.Now())

	switch req.Action {
	case "start":
		return h.start(c)
	case "stop":
		return h.stop(c, req)
	default:
		return h.sendStream(c, req)
	}
}

func (h *Handler) start(c echo.Context) error {
	s, steps, err := h.sessions.Create(c.Request().Context())
	if err != nil {
		log.Error("session provisioning failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"ok":       false,
			"error":    err.Error(),
			"timeline": steps,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"sessionId": s.ID,
		"created":   true,
		"timeline":  steps,
	})
}

func (h *Handler) stop(c echo.Context, req relayRequest) error {
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "sessionId is required for stop",
		})
	}
	stopped := h.sessions.Stop(c.Request().Context(), req.SessionID)
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"stopped":   stopped,
		"sessionId": req.SessionID,
	})
}

func (h *Handler) sendStream(c echo.Context, req relayRequest) error {
	if req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "message is required",
		})
	}
	credential := h.credential()
	if credential == "" {
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": "no upstream credential configured",
		})
	}

	ctx := c.Request().Context()
	s, created, _, err := h.sessions.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream; charset=utf-8")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache, no-transform")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	h.orch.StreamTurn(ctx, sse.NewEventWriter(resp), Turn{
		Session:            s,
		Created:            created,
		Message:            req.Message,
		PreviousResponseID: req.PreviousResponseID,
		Model:              req.Model,
		Credential:         credential,
		BaseURL:            h.baseURL(),
	})
	return nil
}
