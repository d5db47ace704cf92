package handler

import (
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docsync-backend/internal/auth"
	"docsync-backend/internal/cache"
	"docsync-backend/internal/collab"
	"docsync-backend/internal/presence"
	"docsync-backend/internal/store"
)

// DocumentHandler handles document CRUD, sharing and version snapshots
type DocumentHandler struct {
	gateway  *store.Gateway
	hub      *collab.Hub
	presence *presence.Manager
	trace    *cache.RedisClient
}

// NewDocumentHandler creates a DocumentHandler. presence and trace may be nil.
func NewDocumentHandler(gateway *store.Gateway, hub *collab.Hub, presenceManager *presence.Manager, trace *cache.RedisClient) *DocumentHandler {
	return &DocumentHandler{
		gateway:  gateway,
		hub:      hub,
		presence: presenceManager,
		trace:    trace,
	}
}

// CreateDocumentRequest document creation payload
type CreateDocumentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// List returns documents the caller owns or collaborates on
func (h *DocumentHandler) List(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	docs, err := h.gateway.ListForUser(claims.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list documents",
		})
	}

	return c.JSON(fiber.Map{"documents": docs})
}

// Create makes a new document. The client may bring its own identifier, which
// the collaboration URL scheme relies on; otherwise one is generated.
func (h *DocumentHandler) Create(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req CreateDocumentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	doc, err := h.gateway.FindOrCreateDocument(id, claims.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create document",
		})
	}

	if req.Name != "" && doc.OwnerID == claims.UserID && doc.Name != req.Name {
		if err := h.gateway.RenameDocument(doc.ID, req.Name); err == nil {
			doc.Name = req.Name
		}
	}

	return c.Status(fiber.StatusCreated).JSON(doc)
}

// Get returns one document with its content and drawings
func (h *DocumentHandler) Get(c *fiber.Ctx) error {
	doc, err := h.gateway.LoadDocument(c.Params("documentId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "document not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load document",
		})
	}

	return c.JSON(doc)
}

// RenameRequest rename payload
type RenameRequest struct {
	Name string `json:"name"`
}

// Rename changes the document name
func (h *DocumentHandler) Rename(c *fiber.Ctx) error {
	var req RenameRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name is required",
		})
	}

	if err := h.gateway.RenameDocument(c.Params("documentId"), strings.TrimSpace(req.Name)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "document not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to rename document",
		})
	}

	return c.JSON(fiber.Map{"message": "renamed"})
}

// Delete removes a document and its retained relay trace
func (h *DocumentHandler) Delete(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	documentID := c.Params("documentId")
	if err := h.gateway.DeleteDocument(documentID, claims.UserID); err != nil {
		return h.storeError(c, err)
	}

	if h.trace != nil {
		if err := h.trace.DeleteTrace(c.Context(), documentID); err != nil {
			log.Printf("[Document] Failed to drop trace for %s: %v", documentID, err)
		}
	}

	return c.JSON(fiber.Map{"message": "deleted"})
}

// AddCollaboratorRequest invite payload
type AddCollaboratorRequest struct {
	Email string `json:"email"`
}

// ListCollaborators returns the collaborator list
func (h *DocumentHandler) ListCollaborators(c *fiber.Ctx) error {
	rows, err := h.gateway.ListCollaborators(c.Params("documentId"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list collaborators",
		})
	}

	return c.JSON(fiber.Map{"collaborators": rows})
}

// AddCollaborator invites a user by email
func (h *DocumentHandler) AddCollaborator(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req AddCollaboratorRequest
	if err := c.BodyParser(&req); err != nil || req.Email == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "email is required",
		})
	}

	user, err := h.gateway.FindUserByEmail(strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no user with that email",
		})
	}

	if err := h.gateway.AddCollaborator(c.Params("documentId"), claims.UserID, user.ID); err != nil {
		return h.storeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "collaborator added"})
}

// RemoveCollaborator revokes access
func (h *DocumentHandler) RemoveCollaborator(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	userID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user ID",
		})
	}

	if err := h.gateway.RemoveCollaborator(c.Params("documentId"), claims.UserID, userID); err != nil {
		return h.storeError(c, err)
	}

	return c.JSON(fiber.Map{"message": "collaborator removed"})
}

// VersionRequest snapshot payload
type VersionRequest struct {
	Name string `json:"name"`
}

// CreateVersion snapshots the document's current durable state
func (h *DocumentHandler) CreateVersion(c *fiber.Ctx) error {
	var req VersionRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "version name is required",
		})
	}

	version, err := h.gateway.SaveVersion(c.Params("documentId"), strings.TrimSpace(req.Name))
	if err != nil {
		return h.storeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

// ListVersions returns snapshots, newest first
func (h *DocumentHandler) ListVersions(c *fiber.Ctx) error {
	versions, err := h.gateway.ListVersions(c.Params("documentId"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list versions",
		})
	}

	return c.JSON(fiber.Map{"versions": versions})
}

// GetVersion returns one snapshot
func (h *DocumentHandler) GetVersion(c *fiber.Ctx) error {
	versionID, err := strconv.ParseInt(c.Params("versionId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid version ID",
		})
	}

	version, err := h.gateway.GetVersion(c.Params("documentId"), versionID)
	if err != nil {
		return h.storeError(c, err)
	}

	return c.JSON(version)
}

// RestoreVersion overwrites the document with a snapshot
func (h *DocumentHandler) RestoreVersion(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	versionID, err := strconv.ParseInt(c.Params("versionId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid version ID",
		})
	}

	if err := h.gateway.RestoreVersion(c.Params("documentId"), claims.UserID, versionID); err != nil {
		return h.storeError(c, err)
	}

	return c.JSON(fiber.Map{"message": "restored"})
}

// AccessRequestBody access request payload
type AccessRequestBody struct {
	Message *string `json:"message"`
}

// RequestAccess files an access request for a document the caller cannot edit
func (h *DocumentHandler) RequestAccess(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req AccessRequestBody
	c.BodyParser(&req)

	created, err := h.gateway.CreateAccessRequest(c.Params("documentId"), claims.UserID, req.Message)
	if err != nil {
		return h.storeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// ListAccessRequests returns pending requests, owner only
func (h *DocumentHandler) ListAccessRequests(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	requests, err := h.gateway.ListAccessRequests(c.Params("documentId"), claims.UserID)
	if err != nil {
		return h.storeError(c, err)
	}

	return c.JSON(fiber.Map{"requests": requests})
}

// ResolveAccessRequestBody approve/deny payload
type ResolveAccessRequestBody struct {
	Approve bool `json:"approve"`
}

// ResolveAccessRequest approves or denies a pending request
func (h *DocumentHandler) ResolveAccessRequest(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	requestID, err := strconv.ParseInt(c.Params("requestId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request ID",
		})
	}

	var req ResolveAccessRequestBody
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if err := h.gateway.ResolveAccessRequest(requestID, claims.UserID, req.Approve); err != nil {
		return h.storeError(c, err)
	}

	return c.JSON(fiber.Map{"message": "resolved"})
}

// Presence returns who is currently connected to the document, plus the unix
// time of the last persisted checkpoint. The live room answers first; the
// Redis mirror covers documents hosted by other processes.
func (h *DocumentHandler) Presence(c *fiber.Ctx) error {
	documentID := c.Params("documentId")

	var lastCheckpoint int64
	if h.presence != nil {
		lastCheckpoint, _ = h.presence.LastCheckpoint(documentID)
	}

	if room, ok := h.hub.Room(documentID); ok {
		return c.JSON(fiber.Map{
			"participants":    room.Roster(),
			"last_checkpoint": lastCheckpoint,
		})
	}

	if h.presence != nil {
		sessions, err := h.presence.Active(documentID)
		if err == nil {
			return c.JSON(fiber.Map{
				"participants":    sessions,
				"last_checkpoint": lastCheckpoint,
			})
		}
	}

	return c.JSON(fiber.Map{
		"participants":    []any{},
		"last_checkpoint": lastCheckpoint,
	})
}

// Trace returns the recent relay trace for a document and the total number
// of retained entries
func (h *DocumentHandler) Trace(c *fiber.Ctx) error {
	if h.trace == nil {
		return c.JSON(fiber.Map{"events": []any{}, "total": 0})
	}

	count := int64(c.QueryInt("count", 50))
	entries, err := h.trace.Recent(c.Context(), c.Params("documentId"), count)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read trace",
		})
	}

	total, err := h.trace.Count(c.Context(), c.Params("documentId"))
	if err != nil {
		total = int64(len(entries))
	}

	return c.JSON(fiber.Map{"events": entries, "total": total})
}

func (h *DocumentHandler) storeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, store.ErrNotOwner):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "owner permission required"})
	case errors.Is(err, store.ErrAlreadySet):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already a collaborator"})
	case errors.Is(err, store.ErrNotPending):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "request already resolved"})
	case errors.Is(err, store.ErrSelfRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot request access to your own document"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
