package middleware

import (
	"github.com/gofiber/fiber/v2"

	"docsync-backend/internal/auth"
	"docsync-backend/internal/service"
)

// DocumentMiddleware gates document routes on ownership or collaboration
type DocumentMiddleware struct {
	access *service.AccessService
}

// NewDocumentMiddleware creates a DocumentMiddleware
func NewDocumentMiddleware(access *service.AccessService) *DocumentMiddleware {
	return &DocumentMiddleware{access: access}
}

// documentIDFromContext extracts the document ID route param
func documentIDFromContext(c *fiber.Ctx) string {
	id := c.Params("documentId")
	if id == "" {
		id = c.Params("id")
	}
	return id
}

// RequireAccess admits owners and collaborators
func (m *DocumentMiddleware) RequireAccess() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, ok := auth.GetClaimsFromContext(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		documentID := documentIDFromContext(c)
		if documentID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "document ID is required",
			})
		}

		if !m.access.CanEdit(documentID, claims.UserID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "no access to this document",
			})
		}

		c.Locals("documentID", documentID)
		return c.Next()
	}
}

// RequireOwnership admits the owner only
func (m *DocumentMiddleware) RequireOwnership() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, ok := auth.GetClaimsFromContext(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		documentID := documentIDFromContext(c)
		if documentID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "document ID is required",
			})
		}

		if !m.access.IsDocumentOwner(documentID, claims.UserID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "owner permission required",
			})
		}

		c.Locals("documentID", documentID)
		return c.Next()
	}
}
