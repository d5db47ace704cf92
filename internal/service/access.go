package service

import (
	"gorm.io/gorm"

	"docsync-backend/internal/model"
)

// AccessService answers document authorization questions for middleware and
// the websocket join gate.
type AccessService struct {
	db *gorm.DB
}

// NewAccessService creates an AccessService
func NewAccessService(db *gorm.DB) *AccessService {
	return &AccessService{db: db}
}

// IsDocumentOwner checks ownership
func (s *AccessService) IsDocumentOwner(documentID string, userID int64) bool {
	var ownerID int64
	s.db.Table("documents").Where("id = ?", documentID).Select("owner_id").Scan(&ownerID)
	return ownerID != 0 && ownerID == userID
}

// IsCollaborator checks collaborator membership
func (s *AccessService) IsCollaborator(documentID string, userID int64) bool {
	var count int64
	s.db.Model(&model.DocumentCollaborator{}).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Count(&count)
	return count > 0
}

// CanEdit checks owner or collaborator. Decided once at join time and cached
// on the session; per-event writes are not re-checked.
func (s *AccessService) CanEdit(documentID string, userID int64) bool {
	return s.IsDocumentOwner(documentID, userID) || s.IsCollaborator(documentID, userID)
}

// DocumentExists checks whether the document has a durable record
func (s *AccessService) DocumentExists(documentID string) bool {
	var count int64
	s.db.Model(&model.Document{}).Where("id = ?", documentID).Count(&count)
	return count > 0
}

// AdmitSession decides WebSocket admission for a document. An unseen
// identifier becomes a new document owned by the joiner, so anyone
// authenticated is admitted with write access; an existing document admits
// owners and collaborators only. The canWrite result is cached on the
// session for its whole lifetime.
func (s *AccessService) AdmitSession(documentID string, userID int64) (admitted, canWrite bool) {
	if !s.DocumentExists(documentID) {
		return true, true
	}
	canWrite = s.CanEdit(documentID, userID)
	return canWrite, canWrite
}
