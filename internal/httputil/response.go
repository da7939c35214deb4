// Package httputil holds the shared Fiber response envelope and request logging middleware.
package httputil

import (
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/tilemud/tilemud-server/internal/catalog"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response built from a catalog definition.
func Fail(c fiber.Ctx, status int, def catalog.Definition, message string) error {
	if message == "" {
		message = def.HumanMessage
	}
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:      def.NumericCode,
			Reason:    def.Reason,
			Retryable: def.Retryable,
			Message:   message,
		},
	})
}

// FailError sends the JSON response for a catalog error, mapping its category to an HTTP status. Non-catalog errors
// surface as a 500 internal error.
func FailError(c fiber.Ctx, err error) error {
	catErr, ok := catalog.AsError(err)
	if !ok {
		return Fail(c, http.StatusInternalServerError, catalog.MustByReason(catalog.ReasonInternalError), "")
	}
	return Fail(c, StatusFor(catErr.Def), catErr.Def, catErr.Message())
}

// StatusFor maps a catalog definition to its HTTP status code.
func StatusFor(def catalog.Definition) int {
	switch def.Category {
	case catalog.CategorySecurity:
		return http.StatusUnauthorized
	case catalog.CategoryValidation:
		return http.StatusBadRequest
	case catalog.CategoryConflict:
		return http.StatusConflict
	case catalog.CategoryCapacity, catalog.CategoryRateLimit:
		return http.StatusTooManyRequests
	case catalog.CategoryState:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}
