package foodindex

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"food-ai/internal/models"
)

// embeddedFood is a reference food paired with its embedding vector.
type embeddedFood struct {
	food   models.ReferenceFood
	vector []float32
}

// IndexMeta describes a completed build.
type IndexMeta struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	FoodCount  int    `json:"food_count"`
	BuiltAt    string `json:"built_at"`
}

// CountFoods returns the number of indexed reference foods
func (db *DB) CountFoods() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count foods: %w", err)
	}
	return count, nil
}

// insertFoods writes a batch of foods and their vectors in one transaction.
func (db *DB) insertFoods(batch []embeddedFood) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, item := range batch {
		nutrients, err := json.Marshal(item.food.Nutrients)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode nutrients for %q: %w", item.food.Description, err)
		}

		result, err := tx.Exec(`INSERT INTO foods (description, nutrients) VALUES (?, ?)`,
			item.food.Description, string(nutrients))
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to insert food: %v (rollback error: %w)", err, rollbackErr)
			}
			return fmt.Errorf("failed to insert food: %w", err)
		}

		foodID, err := result.LastInsertId()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to get last insert id: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO embeddings (food_id, vector) VALUES (?, ?)`,
			foodID, serializeVector(item.vector)); err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to insert embedding: %v (rollback error: %w)", err, rollbackErr)
			}
			return fmt.Errorf("failed to insert embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit foods: %w", err)
	}
	return nil
}

// loadFoods reads every reference food and vector, in insertion order.
func (db *DB) loadFoods() ([]embeddedFood, error) {
	rows, err := db.conn.Query(`
		SELECT f.description, f.nutrients, e.vector
		FROM foods f
		JOIN embeddings e ON e.food_id = f.id
		ORDER BY f.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query foods: %w", err)
	}
	defer rows.Close()

	var foods []embeddedFood
	for rows.Next() {
		var (
			description string
			nutrients   string
			vectorBytes []byte
		)
		if err := rows.Scan(&description, &nutrients, &vectorBytes); err != nil {
			return nil, fmt.Errorf("failed to scan food: %w", err)
		}

		item := embeddedFood{
			food:   models.ReferenceFood{Description: description},
			vector: deserializeVector(vectorBytes),
		}
		if err := json.Unmarshal([]byte(nutrients), &item.food.Nutrients); err != nil {
			return nil, fmt.Errorf("failed to decode nutrients for %q: %w", description, err)
		}
		foods = append(foods, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foods: %w", err)
	}
	return foods, nil
}

func (db *DB) writeMeta(meta IndexMeta) error {
	_, err := db.conn.Exec(`
		INSERT INTO index_meta (id, model, dimensions, food_count)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			dimensions = excluded.dimensions,
			food_count = excluded.food_count,
			built_at = CURRENT_TIMESTAMP
	`, meta.Model, meta.Dimensions, meta.FoodCount)
	if err != nil {
		return fmt.Errorf("failed to write index meta: %w", err)
	}
	return nil
}

// GetMeta returns the build metadata, or nil if the index was never built.
func (db *DB) GetMeta() (*IndexMeta, error) {
	var meta IndexMeta
	err := db.conn.QueryRow(`SELECT model, dimensions, food_count, built_at FROM index_meta WHERE id = 1`).
		Scan(&meta.Model, &meta.Dimensions, &meta.FoodCount, &meta.BuiltAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index meta: %w", err)
	}
	return &meta, nil
}

// clearFoods drops a partially ingested corpus.
func (db *DB) clearFoods() error {
	if _, err := db.conn.Exec(`DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("failed to clear embeddings: %w", err)
	}
	if _, err := db.conn.Exec(`DELETE FROM foods`); err != nil {
		return fmt.Errorf("failed to clear foods: %w", err)
	}
	return nil
}
