// Package api holds the HTTP handlers: session bootstrap and resume, the error catalog, version negotiation, health,
// and the WebSocket upgrade into the realtime room.
package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/bootstrap"
	"github.com/tilemud/tilemud-server/internal/httputil"
)

// SessionHandler serves session bootstrap and resume.
type SessionHandler struct {
	bootstraps *bootstrap.Service
	reconnects *bootstrap.ReconnectService
	log        zerolog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(bootstraps *bootstrap.Service, reconnects *bootstrap.ReconnectService, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		bootstraps: bootstraps,
		reconnects: reconnects,
		log:        logger.With().Str("component", "api.session").Logger(),
	}
}

type bootstrapBody struct {
	ReconnectToken string `json:"reconnectToken,omitempty"`
	ClientVersion  string `json:"clientVersion,omitempty"`
}

// Bootstrap handles POST /api/session/bootstrap. The bearer token travels in the Authorization header; the body is
// optional.
func (h *SessionHandler) Bootstrap(c fiber.Ctx) error {
	var body bootstrapBody
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "request body is not valid JSON")
		}
	}

	clientVersion := body.ClientVersion
	if clientVersion == "" {
		clientVersion = c.Get("x-client-version")
	}

	resp, err := h.bootstraps.Bootstrap(c.Context(), bootstrap.Request{
		AuthorizationToken: c.Get("Authorization"),
		ReconnectToken:     body.ReconnectToken,
		ClientVersion:      clientVersion,
	})
	if err != nil {
		return httputil.FailError(c, err)
	}
	return httputil.Success(c, resp)
}

type resumeBody struct {
	ReconnectToken string `json:"reconnectToken"`
	ClientSequence int64  `json:"clientSequence"`
}

// Resume handles POST /api/session/resume for clients that lost their socket inside the grace window.
func (h *SessionHandler) Resume(c fiber.Ctx) error {
	var body resumeBody
	if err := c.Bind().Body(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "request body is not valid JSON")
	}
	if body.ReconnectToken == "" {
		return fiber.NewError(fiber.StatusBadRequest, "reconnectToken is required")
	}

	resp, err := h.reconnects.Reconnect(c.Context(), bootstrap.ReconnectRequest{
		ReconnectToken: body.ReconnectToken,
		ClientSequence: body.ClientSequence,
	})
	if err != nil {
		return httputil.FailError(c, err)
	}
	return httputil.Success(c, resp)
}
