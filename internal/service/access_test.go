package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docsync-backend/internal/model"
)

func newTestAccessService(t *testing.T) (*AccessService, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Document{},
		&model.DocumentCollaborator{},
	))

	return NewAccessService(db), db
}

func TestAdmitSession(t *testing.T) {
	svc, db := newTestAccessService(t)

	owner := &model.User{Email: "owner@example.com", Name: "Owner", Password: "x"}
	collab := &model.User{Email: "collab@example.com", Name: "Collab", Password: "x"}
	outsider := &model.User{Email: "out@example.com", Name: "Out", Password: "x"}
	require.NoError(t, db.Create(owner).Error)
	require.NoError(t, db.Create(collab).Error)
	require.NoError(t, db.Create(outsider).Error)

	require.NoError(t, db.Create(&model.Document{
		ID: "doc-1", Name: "Doc", OwnerID: owner.ID, Content: "{}", Drawings: "[]",
	}).Error)
	require.NoError(t, db.Create(&model.DocumentCollaborator{
		DocumentID: "doc-1", UserID: collab.ID,
	}).Error)

	// owner and collaborator get in with write access
	admitted, canWrite := svc.AdmitSession("doc-1", owner.ID)
	assert.True(t, admitted)
	assert.True(t, canWrite)

	admitted, canWrite = svc.AdmitSession("doc-1", collab.ID)
	assert.True(t, admitted)
	assert.True(t, canWrite)

	// everyone else is refused; the write decision carries the refusal
	admitted, canWrite = svc.AdmitSession("doc-1", outsider.ID)
	assert.False(t, admitted)
	assert.False(t, canWrite)

	// an unseen id is claimed by the joiner
	admitted, canWrite = svc.AdmitSession("doc-new", outsider.ID)
	assert.True(t, admitted)
	assert.True(t, canWrite)
}

func TestOwnershipAndCollaboration(t *testing.T) {
	svc, db := newTestAccessService(t)

	owner := &model.User{Email: "owner@example.com", Name: "Owner", Password: "x"}
	other := &model.User{Email: "other@example.com", Name: "Other", Password: "x"}
	require.NoError(t, db.Create(owner).Error)
	require.NoError(t, db.Create(other).Error)

	require.NoError(t, db.Create(&model.Document{
		ID: "doc-1", Name: "Doc", OwnerID: owner.ID, Content: "{}", Drawings: "[]",
	}).Error)

	assert.True(t, svc.IsDocumentOwner("doc-1", owner.ID))
	assert.False(t, svc.IsDocumentOwner("doc-1", other.ID))
	assert.False(t, svc.IsCollaborator("doc-1", other.ID))
	assert.True(t, svc.DocumentExists("doc-1"))
	assert.False(t, svc.DocumentExists("doc-2"))

	require.NoError(t, db.Create(&model.DocumentCollaborator{
		DocumentID: "doc-1", UserID: other.ID,
	}).Error)
	assert.True(t, svc.IsCollaborator("doc-1", other.ID))
	assert.True(t, svc.CanEdit("doc-1", other.ID))
}
