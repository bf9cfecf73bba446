//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
)

func initFTS(conn *sql.DB) error {
	// Self-contained FTS5 table: stores its own copy of text plus the
	// UNINDEXED row key, so retrieval never depends on the bullets table.
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS bullets_fts USING fts5(
			text,
			node_slug UNINDEXED,
			bullet_id UNINDEXED,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, bulletID, slug, text string) error {
	_, _ = tx.Exec(`DELETE FROM bullets_fts WHERE bullet_id = ?`, bulletID)
	_, err := tx.Exec(`INSERT INTO bullets_fts (text, node_slug, bullet_id) VALUES (?, ?, ?)`,
		text, slug, bulletID)
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, bulletID string) {
	_, _ = tx.Exec(`DELETE FROM bullets_fts WHERE bullet_id = ?`, bulletID)
}

// searchFTS executes an FTS5 MATCH query. BM25 rank is negative
// (smaller = better); scores are negated so higher is better.
func (db *DB) searchFTS(match string, limit int) ([]Hit, error) {
	rows, err := db.conn.Query(`
		SELECT bullet_id, node_slug, text, -bm25(bullets_fts) AS score
		FROM bullets_fts
		WHERE bullets_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("index: fts search: %w", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.BulletID, &h.Slug, &h.Text, &h.Score); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
