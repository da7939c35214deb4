package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/httputil"
	"github.com/tilemud/tilemud-server/internal/version"
)

// CatalogHandler serves the immutable error catalog.
type CatalogHandler struct{}

// List handles GET /api/errors, returning every definition ordered by numeric code.
func (CatalogHandler) List(c fiber.Ctx) error {
	return httputil.Success(c, catalog.List())
}

// VersionHandler serves the protocol version surface.
type VersionHandler struct {
	versions *version.Service
}

// NewVersionHandler creates a version handler.
func NewVersionHandler(versions *version.Service) *VersionHandler {
	return &VersionHandler{versions: versions}
}

// Current handles GET /api/version.
func (h *VersionHandler) Current(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{
		"version":           h.versions.Current(),
		"protocol":          h.versions.Protocol(),
		"updatedAt":         h.versions.UpdatedAt(),
		"supportedVersions": h.versions.Supported(),
	})
}

// Check handles GET /api/version/check?client=<semver>.
func (h *VersionHandler) Check(c fiber.Ctx) error {
	return httputil.Success(c, h.versions.Check(c.Query("client")))
}
