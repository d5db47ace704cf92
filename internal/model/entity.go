package model

import (
	"time"
)

// User is a registered account. Password is a bcrypt hash and never serialized.
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"type:varchar(100);not null" json:"name"`
	Password  string    `gorm:"type:varchar(255);not null" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Documents []Document `gorm:"foreignKey:OwnerID" json:"documents,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// Document is the durable record for one collaborative document.
// Content and Drawings are opaque JSON blobs: Content holds the rich-text
// delta document, Drawings the full drawing element array. Both are always
// overwritten wholesale at checkpoint time (last write wins).
type Document struct {
	ID             string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name           string     `gorm:"type:varchar(200);not null;default:'Untitled'" json:"name"`
	OwnerID        int64      `gorm:"not null;index" json:"owner_id"`
	Content        string     `gorm:"type:jsonb" json:"content"`
	Drawings       string     `gorm:"type:jsonb;default:'[]'" json:"drawings"`
	CheckpointedAt *time.Time `json:"checkpointed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Owner         User                   `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Collaborators []DocumentCollaborator `gorm:"foreignKey:DocumentID" json:"collaborators,omitempty"`
	Versions      []DocumentVersion      `gorm:"foreignKey:DocumentID" json:"versions,omitempty"`
}

func (Document) TableName() string {
	return "documents"
}

// DocumentCollaborator grants a user edit access to a document.
type DocumentCollaborator struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_collaborator" json:"document_id"`
	UserID     int64     `gorm:"not null;uniqueIndex:idx_doc_collaborator" json:"user_id"`
	AddedAt    time.Time `gorm:"autoCreateTime" json:"added_at"`

	// Relations
	Document Document `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
	User     User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (DocumentCollaborator) TableName() string {
	return "document_collaborators"
}

// DocumentVersion is a named snapshot of a document at some point in time.
type DocumentVersion struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;index" json:"document_id"`
	Name       string    `gorm:"type:varchar(200);not null" json:"name"`
	Content    string    `gorm:"type:jsonb" json:"content"`
	Drawings   string    `gorm:"type:jsonb;default:'[]'" json:"drawings"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Document Document `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
}

func (DocumentVersion) TableName() string {
	return "document_versions"
}

// AccessRequest is a pending ask from a user for collaborator access.
type AccessRequest struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID  string     `gorm:"type:varchar(64);not null;index" json:"document_id"`
	RequesterID int64      `gorm:"not null;index" json:"requester_id"`
	Status      string     `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`
	Message     *string    `gorm:"type:varchar(500)" json:"message,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	// Relations
	Document  Document `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
	Requester User     `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
}

func (AccessRequest) TableName() string {
	return "access_requests"
}
