package main

import (
	"log"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"docsync-backend/internal/database"
	"docsync-backend/internal/model"
)

// Backfills documents whose persisted state is NULL or empty. Clients joining
// such a room would be seeded with invalid JSON, so content is normalized to
// "{}" and drawings to "[]".
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

	log.Println("Database connected. Starting document state normalization...")

	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Document{}).
			Where("content IS NULL OR content = ''").
			Update("content", "{}")
		if res.Error != nil {
			return res.Error
		}
		log.Printf("Backfilled content on %d documents.\n", res.RowsAffected)

		res = tx.Model(&model.Document{}).
			Where("drawings IS NULL OR drawings = ''").
			Update("drawings", model.EmptyDrawings)
		if res.Error != nil {
			return res.Error
		}
		log.Printf("Backfilled drawings on %d documents.\n", res.RowsAffected)

		// Version snapshots taken before the drawings column existed
		res = tx.Model(&model.DocumentVersion{}).
			Where("drawings IS NULL OR drawings = ''").
			Update("drawings", model.EmptyDrawings)
		if res.Error != nil {
			return res.Error
		}
		log.Printf("Backfilled drawings on %d version snapshots.\n", res.RowsAffected)

		return nil
	})

	if err != nil {
		log.Fatalf("Failed to normalize document state: %v", err)
	}

	log.Println("Document state successfully normalized.")
}
