package api

import (
	"context"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/tilemud/tilemud-server/internal/room"
)

// RoomHandler serves the WebSocket upgrade endpoint for the realtime room.
type RoomHandler struct {
	room *room.Room
}

// NewRoomHandler creates a room handler.
func NewRoomHandler(r *room.Room) *RoomHandler {
	return &RoomHandler{room: r}
}

// Upgrade handles GET /ws. It upgrades the HTTP connection to a WebSocket and hands it to the Room.
func (h *RoomHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.room.ServeWebSocket(context.Background(), conn.Conn)
	})(c)
}
