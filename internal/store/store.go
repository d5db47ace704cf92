package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"docsync-backend/internal/model"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrNotOwner    = errors.New("only the owner may do this")
	ErrAlreadySet  = errors.New("already a collaborator")
	ErrNotPending  = errors.New("access request already resolved")
	ErrSelfRequest = errors.New("cannot request access to your own document")
)

// Gateway wraps all database access for documents and collaboration state.
type Gateway struct {
	db *gorm.DB
}

// NewGateway creates a Gateway
func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// LoadDocument fetches a document by ID
func (g *Gateway) LoadDocument(id string) (*model.Document, error) {
	var doc model.Document
	err := g.db.Where("id = ?", id).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// FindOrCreateDocument returns the document, creating an empty one owned by
// ownerID when it does not exist yet.
func (g *Gateway) FindOrCreateDocument(id string, ownerID int64) (*model.Document, error) {
	var doc model.Document
	err := g.db.Where("id = ?", id).First(&doc).Error
	if err == nil {
		return &doc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	doc = model.Document{
		ID:       id,
		Name:     model.DefaultDocumentName,
		OwnerID:  ownerID,
		Content:  "{}",
		Drawings: model.EmptyDrawings,
	}
	if err := g.db.Create(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// SaveDocument overwrites content and drawings wholesale. Last write wins:
// concurrent checkpoints race at the row level and the later one sticks.
func (g *Gateway) SaveDocument(id, content, drawings string) error {
	now := time.Now()
	result := g.db.Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":         content,
			"drawings":        drawings,
			"checkpointed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameDocument changes the display name
func (g *Gateway) RenameDocument(id, name string) error {
	result := g.db.Model(&model.Document{}).Where("id = ?", id).Update("name", name)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns documents the user owns or collaborates on,
// most recently updated first.
func (g *Gateway) ListForUser(userID int64) ([]model.Document, error) {
	var docs []model.Document
	err := g.db.
		Distinct("documents.*").
		Joins("LEFT JOIN document_collaborators dc ON dc.document_id = documents.id").
		Where("documents.owner_id = ? OR dc.user_id = ?", userID, userID).
		Order("documents.updated_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// DeleteDocument removes a document and its dependent rows. Owner only.
func (g *Gateway) DeleteDocument(id string, userID int64) error {
	doc, err := g.LoadDocument(id)
	if err != nil {
		return err
	}
	if doc.OwnerID != userID {
		return ErrNotOwner
	}

	return g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&model.DocumentCollaborator{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&model.DocumentVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&model.AccessRequest{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Document{}).Error
	})
}

// IsAuthorized reports whether the user may open the document for editing.
// Owners and collaborators can write.
func (g *Gateway) IsAuthorized(documentID string, userID int64) (bool, error) {
	var ownerID int64
	err := g.db.Model(&model.Document{}).
		Where("id = ?", documentID).
		Select("owner_id").
		Scan(&ownerID).Error
	if err != nil {
		return false, err
	}
	if ownerID == userID {
		return true, nil
	}

	var count int64
	err = g.db.Model(&model.DocumentCollaborator{}).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddCollaborator grants edit access. Actor must own the document.
func (g *Gateway) AddCollaborator(documentID string, actorID, userID int64) error {
	doc, err := g.LoadDocument(documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != actorID {
		return ErrNotOwner
	}
	if doc.OwnerID == userID {
		return ErrAlreadySet
	}

	var count int64
	if err := g.db.Model(&model.DocumentCollaborator{}).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadySet
	}

	return g.db.Create(&model.DocumentCollaborator{
		DocumentID: documentID,
		UserID:     userID,
	}).Error
}

// RemoveCollaborator revokes edit access. Actor must own the document.
func (g *Gateway) RemoveCollaborator(documentID string, actorID, userID int64) error {
	doc, err := g.LoadDocument(documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != actorID {
		return ErrNotOwner
	}

	return g.db.Where("document_id = ? AND user_id = ?", documentID, userID).
		Delete(&model.DocumentCollaborator{}).Error
}

// ListCollaborators returns collaborator rows with users preloaded
func (g *Gateway) ListCollaborators(documentID string) ([]model.DocumentCollaborator, error) {
	var rows []model.DocumentCollaborator
	err := g.db.Preload("User").
		Where("document_id = ?", documentID).
		Order("added_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveVersion stores a named snapshot of the document's current state
func (g *Gateway) SaveVersion(documentID, name string) (*model.DocumentVersion, error) {
	doc, err := g.LoadDocument(documentID)
	if err != nil {
		return nil, err
	}

	version := model.DocumentVersion{
		DocumentID: documentID,
		Name:       name,
		Content:    doc.Content,
		Drawings:   doc.Drawings,
	}
	if err := g.db.Create(&version).Error; err != nil {
		return nil, err
	}
	return &version, nil
}

// ListVersions returns snapshots for a document, newest first
func (g *Gateway) ListVersions(documentID string) ([]model.DocumentVersion, error) {
	var versions []model.DocumentVersion
	err := g.db.Where("document_id = ?", documentID).
		Order("created_at DESC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// GetVersion fetches a single snapshot belonging to the document
func (g *Gateway) GetVersion(documentID string, versionID int64) (*model.DocumentVersion, error) {
	var version model.DocumentVersion
	err := g.db.Where("id = ? AND document_id = ?", versionID, documentID).
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &version, nil
}

// RestoreVersion overwrites the document with a snapshot's content. Owner only.
func (g *Gateway) RestoreVersion(documentID string, actorID, versionID int64) error {
	doc, err := g.LoadDocument(documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != actorID {
		return ErrNotOwner
	}

	version, err := g.GetVersion(documentID, versionID)
	if err != nil {
		return err
	}

	return g.SaveDocument(documentID, version.Content, version.Drawings)
}

// CreateAccessRequest records a pending request for collaborator access.
// An existing pending request for the same user and document is returned as-is.
func (g *Gateway) CreateAccessRequest(documentID string, requesterID int64, message *string) (*model.AccessRequest, error) {
	doc, err := g.LoadDocument(documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID == requesterID {
		return nil, ErrSelfRequest
	}

	var existing model.AccessRequest
	err = g.db.Where("document_id = ? AND requester_id = ? AND status = ?",
		documentID, requesterID, model.AccessRequestPending.String()).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	req := model.AccessRequest{
		DocumentID:  documentID,
		RequesterID: requesterID,
		Status:      model.AccessRequestPending.String(),
		Message:     message,
	}
	if err := g.db.Create(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// ListAccessRequests returns pending requests for a document. Owner only.
func (g *Gateway) ListAccessRequests(documentID string, actorID int64) ([]model.AccessRequest, error) {
	doc, err := g.LoadDocument(documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != actorID {
		return nil, ErrNotOwner
	}

	var requests []model.AccessRequest
	err = g.db.Preload("Requester").
		Where("document_id = ? AND status = ?", documentID, model.AccessRequestPending.String()).
		Order("created_at ASC").
		Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// ResolveAccessRequest approves or denies a pending request. Approval adds the
// requester as a collaborator in the same transaction.
func (g *Gateway) ResolveAccessRequest(requestID, actorID int64, approve bool) error {
	var req model.AccessRequest
	err := g.db.Where("id = ?", requestID).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	doc, err := g.LoadDocument(req.DocumentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != actorID {
		return ErrNotOwner
	}
	if req.Status != model.AccessRequestPending.String() {
		return ErrNotPending
	}

	status := model.AccessRequestDenied
	if approve {
		status = model.AccessRequestApproved
	}
	now := time.Now()

	return g.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.AccessRequest{}).
			Where("id = ? AND status = ?", requestID, model.AccessRequestPending.String()).
			Updates(map[string]interface{}{
				"status":      status.String(),
				"resolved_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotPending
		}

		if approve {
			return tx.Create(&model.DocumentCollaborator{
				DocumentID: req.DocumentID,
				UserID:     req.RequesterID,
			}).Error
		}
		return nil
	})
}

// FindUserByEmail looks a user up for collaborator invites
func (g *Gateway) FindUserByEmail(email string) (*model.User, error) {
	var user model.User
	err := g.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
