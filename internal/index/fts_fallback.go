//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not compiled in; keyword search uses a LIKE fallback on the
	// bullets table. Calibration sees only zero scores for this channel.
	return nil
}

func ftsUpsert(_ *sql.Tx, _, _, _ string) error {
	// Text is already stored in the bullets table; nothing extra to do.
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

// searchFTS performs a LIKE-based search (fallback when FTS5 is not
// compiled in). All hits carry score 0, so the ranker's tie-break orders
// them by ascending bullet ID.
func (db *DB) searchFTS(match string, limit int) ([]Hit, error) {
	// The match expression is "(t1 OR t1*) OR …"; recover the bare terms.
	terms := strings.FieldsFunc(match, func(r rune) bool {
		return r == '(' || r == ')' || r == '*' || r == ' '
	})
	var conds []string
	var args []any
	for _, t := range terms {
		if t == "OR" || t == "" {
			continue
		}
		conds = append(conds, "text LIKE ?")
		args = append(args, "%"+t+"%")
	}
	if len(conds) == 0 {
		return nil, nil
	}
	args = append(args, limit)

	rows, err := db.conn.Query(`
		SELECT id, node_slug, text, 0.0
		FROM bullets
		WHERE `+strings.Join(conds, " OR ")+`
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: like search: %w", err)
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
