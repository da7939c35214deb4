package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/tilemud/tilemud-server/internal/httputil"
	"github.com/tilemud/tilemud-server/internal/pipeline"
)

// PipelineHandler exposes the action queue for operators.
type PipelineHandler struct {
	queue *pipeline.Queue
}

// NewPipelineHandler creates a pipeline handler.
func NewPipelineHandler(q *pipeline.Queue) *PipelineHandler {
	return &PipelineHandler{queue: q}
}

type pipelineEntry struct {
	ActionID     string `json:"actionId"`
	SessionID    string `json:"sessionId"`
	CharacterID  string `json:"characterId"`
	Category     string `json:"category"`
	PriorityTier int    `json:"priorityTier"`
	Initiative   int    `json:"initiative"`
}

// Stats handles GET /api/pipeline, returning the queue depth and the head of the resolution order.
func (h *PipelineHandler) Stats(c fiber.Ctx) error {
	head := h.queue.Peek(10)
	entries := make([]pipelineEntry, 0, len(head))
	for _, a := range head {
		entries = append(entries, pipelineEntry{
			ActionID:     a.ActionID,
			SessionID:    a.SessionID,
			CharacterID:  a.CharacterID,
			Category:     a.Category.String(),
			PriorityTier: a.PriorityTier,
			Initiative:   a.Initiative,
		})
	}
	return httputil.Success(c, fiber.Map{
		"depth": h.queue.Len(),
		"head":  entries,
	})
}
