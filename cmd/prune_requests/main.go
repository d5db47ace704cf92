package main

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"docsync-backend/internal/database"
	"docsync-backend/internal/model"
)

const resolvedRetention = 30 * 24 * time.Hour

// Removes resolved access requests past retention and collaborator rows whose
// document or user no longer exists.
func main() {
	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Fatal("Error loading .env file")
	}

	// Connect to database
	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Database connected. Starting cleanup...")

	err = db.Transaction(func(tx *gorm.DB) error {
		cutoff := time.Now().Add(-resolvedRetention)

		res := tx.Where("status <> ? AND resolved_at < ?", model.AccessRequestPending, cutoff).
			Delete(&model.AccessRequest{})
		if res.Error != nil {
			return res.Error
		}
		log.Printf("Deleted %d resolved access requests older than %s.\n", res.RowsAffected, resolvedRetention)

		// Collaborator rows orphaned by document or user deletion
		res = tx.Where(
			"document_id NOT IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&model.Document{}).Select("id"),
		).Delete(&model.DocumentCollaborator{})
		if res.Error != nil {
			return res.Error
		}
		orphaned := res.RowsAffected

		res = tx.Where(
			"user_id NOT IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&model.User{}).Select("id"),
		).Delete(&model.DocumentCollaborator{})
		if res.Error != nil {
			return res.Error
		}
		orphaned += res.RowsAffected
		log.Printf("Deleted %d orphaned collaborator rows.\n", orphaned)

		// Pending requests against deleted documents
		res = tx.Where(
			"document_id NOT IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&model.Document{}).Select("id"),
		).Delete(&model.AccessRequest{})
		if res.Error != nil {
			return res.Error
		}
		log.Printf("Deleted %d requests against deleted documents.\n", res.RowsAffected)

		return nil
	})

	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	log.Println("Cleanup complete.")
}
