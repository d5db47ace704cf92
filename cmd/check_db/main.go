package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Fatal("Error loading .env file")
	}

	// Database connection
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_SSLMODE"),
		os.Getenv("DB_TIMEZONE"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	fmt.Println("✅ Connected to database")
	fmt.Println()

	tables := []string{"users", "documents", "document_collaborators", "document_versions", "access_requests"}

	// Check core tables exist
	for _, table := range tables {
		var exists bool
		db.Raw(`
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = ?
			)
		`, table).Scan(&exists)

		if exists {
			fmt.Printf("✅ Table '%s' exists\n", table)
		} else {
			fmt.Printf("❌ Table '%s' is MISSING\n", table)
		}
	}
	fmt.Println()

	// Row counts
	fmt.Println("📊 Row counts:")
	for _, table := range tables {
		var count int64
		db.Table(table).Count(&count)
		fmt.Printf("   %-25s %d\n", table, count)
	}
	fmt.Println()

	// Documents with NULL or empty persisted state (clients joining these
	// rooms would receive invalid JSON)
	var brokenContent int64
	db.Raw(`SELECT COUNT(*) FROM documents WHERE content IS NULL OR content = ''`).Scan(&brokenContent)
	var brokenDrawings int64
	db.Raw(`SELECT COUNT(*) FROM documents WHERE drawings IS NULL OR drawings = ''`).Scan(&brokenDrawings)

	if brokenContent == 0 && brokenDrawings == 0 {
		fmt.Println("✅ All documents have valid persisted state")
	} else {
		fmt.Printf("⚠️ %d documents with empty content, %d with empty drawings\n", brokenContent, brokenDrawings)
		fmt.Println("   Run cmd/normalize_docs to backfill")
	}
	fmt.Println()

	// Collaborator rows pointing at deleted documents or users
	var orphans int64
	db.Raw(`
		SELECT COUNT(*) FROM document_collaborators dc
		LEFT JOIN documents d ON d.id = dc.document_id
		LEFT JOIN users u ON u.id = dc.user_id
		WHERE d.id IS NULL OR u.id IS NULL
	`).Scan(&orphans)

	if orphans == 0 {
		fmt.Println("✅ No orphaned collaborator rows")
	} else {
		fmt.Printf("⚠️ %d orphaned collaborator rows (run cmd/prune_requests)\n", orphans)
	}

	// Documents never checkpointed since creation
	var stale int64
	db.Raw(`SELECT COUNT(*) FROM documents WHERE checkpointed_at IS NULL`).Scan(&stale)
	fmt.Printf("📝 %d documents never checkpointed\n", stale)
}
