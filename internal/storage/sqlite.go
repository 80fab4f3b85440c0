// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"food-ai/internal/models"
)

var ErrInvalidRecord = errors.New("invalid analysis record")

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; appends run in a transaction.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS users (
        email TEXT PRIMARY KEY,
        created_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS analyses (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        email TEXT NOT NULL,
        date TEXT NOT NULL,
        image TEXT NOT NULL,
        nutrition TEXT NOT NULL,
        summary TEXT NOT NULL,
        FOREIGN KEY (email) REFERENCES users(email) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS analysis_ingredients (
        analysis_id TEXT NOT NULL,
        position INTEGER NOT NULL,
        name TEXT NOT NULL,
        PRIMARY KEY (analysis_id, position),
        FOREIGN KEY (analysis_id) REFERENCES analyses(id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_analyses_email ON analyses(email, seq);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// AppendAnalysis adds record to the end of the user's history, creating the
// user on first save. Existing records are never touched.
func (s *SQLiteStorage) AppendAnalysis(ctx context.Context, email string, record models.AnalysisRecord) error {
	if email == "" || record.ID == "" {
		return fmt.Errorf("%w: email and id are required", ErrInvalidRecord)
	}

	nutrition, err := json.Marshal(record.Nutrition)
	if err != nil {
		return fmt.Errorf("failed to encode nutrition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (email, created_at) VALUES (?, ?)`, email, now); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO analyses (id, email, date, image, nutrition, summary)
        VALUES (?, ?, ?, ?, ?, ?)
    `, record.ID, email, record.Date.UTC().Format(time.RFC3339Nano), record.Image, string(nutrition), record.Summary)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	for i, name := range record.Ingredients {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO analysis_ingredients (analysis_id, position, name) VALUES (?, ?, ?)`,
			record.ID, i, name)
		if err != nil {
			return fmt.Errorf("failed to insert ingredient: %w", err)
		}
	}

	return tx.Commit()
}

// GetHistory returns the user's most recent analyses, newest first. An unknown
// user has an empty history.
func (s *SQLiteStorage) GetHistory(ctx context.Context, email string, limit int) ([]models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, date, image, nutrition, summary
        FROM analyses
        WHERE email = ?
        ORDER BY seq DESC
        LIMIT ?
    `, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}

	records := []models.AnalysisRecord{}
	for rows.Next() {
		var record models.AnalysisRecord
		var dateStr, nutrition string
		if err := rows.Scan(&record.ID, &dateStr, &record.Image, &nutrition, &record.Summary); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		if record.Date, err = time.Parse(time.RFC3339Nano, dateStr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to parse date: %w", err)
		}
		if err := json.Unmarshal([]byte(nutrition), &record.Nutrition); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode nutrition for %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read analyses: %w", err)
	}
	rows.Close()

	// Ingredients are loaded after the outer rows are released; the pool holds one connection.
	for i := range records {
		if err := s.loadIngredients(ctx, &records[i]); err != nil {
			return nil, fmt.Errorf("failed to load ingredients for analysis %s: %w", records[i].ID, err)
		}
	}

	return records, nil
}

func (s *SQLiteStorage) loadIngredients(ctx context.Context, record *models.AnalysisRecord) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT name
        FROM analysis_ingredients
        WHERE analysis_id = ?
        ORDER BY position
    `, record.ID)
	if err != nil {
		return fmt.Errorf("failed to query ingredients: %w", err)
	}
	defer rows.Close()

	ingredients := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan ingredient: %w", err)
		}
		ingredients = append(ingredients, name)
	}

	record.Ingredients = ingredients
	return rows.Err()
}

func (s *SQLiteStorage) CountHistory(ctx context.Context, email string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses WHERE email = ?`, email).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return count, nil
}

// Leaderboard ranks users by the number of saved analyses, ties broken by email.
func (s *SQLiteStorage) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT u.email, COUNT(a.id) AS history_size
        FROM users u
        LEFT JOIN analyses a ON a.email = u.email
        GROUP BY u.email
        ORDER BY history_size DESC, u.email ASC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []models.LeaderboardEntry{}
	for rows.Next() {
		var entry models.LeaderboardEntry
		if err := rows.Scan(&entry.Email, &entry.HistorySize); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
