package index

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// BulletRow is one row of the derived bullets table.
type BulletRow struct {
	ID        string
	Slug      string
	Kind      string
	Text      string
	Hash      string
	CreatedAt string
	UpdatedAt string
	Useful    int
	Harmful   int
	Pos       int
}

// EmbedJob is a bullet whose stored embedding is missing or no longer
// matches its text hash.
type EmbedJob struct {
	BulletID string
	Text     string
	Hash     string
}

// ReviewEntry describes one node in the review list.
type ReviewEntry struct {
	Slug        string
	ServedChars float64
	LiveBullets int
	Flagged     bool
}

// BulletsForNode returns the indexed bullets of a node in insertion order.
func (db *DB) BulletsForNode(slug string) ([]BulletRow, error) {
	rows, err := db.conn.Query(`
		SELECT id, node_slug, kind, text, content_hash, created_at, updated_at, useful, harmful, pos
		FROM bullets WHERE node_slug = ? ORDER BY pos`, slug)
	if err != nil {
		return nil, fmt.Errorf("index: bullets for node: %w", err)
	}
	defer rows.Close()
	return scanBullets(rows)
}

// BulletsByIDs returns the rows for the given IDs (missing IDs are
// silently absent), in insertion order per node.
func (db *DB) BulletsByIDs(ids []string) (map[string]BulletRow, error) {
	out := make(map[string]BulletRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT id, node_slug, kind, text, content_hash, created_at, updated_at, useful, harmful, pos
	      FROM bullets WHERE id IN (?` + repeat(",?", len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: bullets by ids: %w", err)
	}
	defer rows.Close()
	list, err := scanBullets(rows)
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		out[b.ID] = b
	}
	return out, nil
}

func scanBullets(rows *sql.Rows) ([]BulletRow, error) {
	var out []BulletRow
	for rows.Next() {
		var b BulletRow
		if err := rows.Scan(&b.ID, &b.Slug, &b.Kind, &b.Text, &b.Hash,
			&b.CreatedAt, &b.UpdatedAt, &b.Useful, &b.Harmful, &b.Pos); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// NodeTitle returns the stored title for slug, or the slug itself.
func (db *DB) NodeTitle(slug string) string {
	var t string
	if err := db.conn.QueryRow(`SELECT title FROM nodes WHERE slug = ?`, slug).Scan(&t); err != nil || t == "" {
		return slug
	}
	return t
}

// LiveCount returns the indexed live-bullet count for slug.
func (db *DB) LiveCount(slug string) (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT bullet_count FROM nodes WHERE slug = ?`, slug).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// Backlinks returns the slugs of nodes whose bullets link TO the given
// slug.
func (db *DB) Backlinks(toSlug string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT from_slug FROM backlinks WHERE to_slug = ? ORDER BY from_slug`, toSlug)
	if err != nil {
		return nil, fmt.Errorf("index: backlinks: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Outlinks returns the slugs referenced by the given node's bullets.
func (db *DB) Outlinks(fromSlug string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT to_slug FROM backlinks WHERE from_slug = ? ORDER BY to_slug`, fromSlug)
	if err != nil {
		return nil, fmt.Errorf("index: outlinks: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Budget counters
// ---------------------------------------------------------------------------

// AddServedChars accrues served output against a node's budget counter.
func (db *DB) AddServedChars(slug string, chars float64) error {
	_, err := db.conn.Exec(`
		INSERT INTO budget(slug, served_chars) VALUES (?, ?)
		ON CONFLICT(slug) DO UPDATE SET served_chars = served_chars + excluded.served_chars`,
		slug, chars)
	if err != nil {
		return fmt.Errorf("index: add served chars: %w", err)
	}
	return nil
}

// ResetBudget zeroes a node's served-budget counter (reviewed record).
func (db *DB) ResetBudget(slug string) error {
	if _, err := db.conn.Exec(`DELETE FROM budget WHERE slug = ?`, slug); err != nil {
		return fmt.Errorf("index: reset budget: %w", err)
	}
	return nil
}

// ServedBudget returns the accumulated served characters for slug.
func (db *DB) ServedBudget(slug string) (float64, error) {
	var v float64
	err := db.conn.QueryRow(`SELECT served_chars FROM budget WHERE slug = ?`, slug).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// Flagged reports whether a node's budget/bullet ratio exceeds threshold.
func (db *DB) Flagged(slug string, threshold float64) (bool, error) {
	served, err := db.ServedBudget(slug)
	if err != nil {
		return false, err
	}
	n, err := db.LiveCount(slug)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return served/float64(n) > threshold, nil
}

// ReviewList returns all nodes with their budget state, worst ratio
// first. Synthetic nodes (leading underscore) are excluded from review
// accounting.
func (db *DB) ReviewList(threshold float64) ([]ReviewEntry, error) {
	rows, err := db.conn.Query(`
		SELECT n.slug, COALESCE(b.served_chars, 0), n.bullet_count
		FROM nodes n LEFT JOIN budget b ON b.slug = n.slug
		WHERE n.slug NOT LIKE '\_%' ESCAPE '\'
		ORDER BY CASE WHEN n.bullet_count > 0
			THEN COALESCE(b.served_chars, 0) / n.bullet_count ELSE 0 END DESC`)
	if err != nil {
		return nil, fmt.Errorf("index: review list: %w", err)
	}
	defer rows.Close()

	var out []ReviewEntry
	for rows.Next() {
		var e ReviewEntry
		if err := rows.Scan(&e.Slug, &e.ServedChars, &e.LiveBullets); err != nil {
			return nil, err
		}
		e.Flagged = e.LiveBullets > 0 && e.ServedChars/float64(e.LiveBullets) > threshold
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

// EmbeddingRow pairs a bullet ID with its stored vector.
type EmbeddingRow struct {
	BulletID string
	Vector   []float32
	Rev      int64
}

// StoreEmbedding persists a vector for a bullet and bumps the revision
// counter so the vector server picks it up.
func (db *DB) StoreEmbedding(bulletID string, vec []float32, hash, modelID string) error {
	return db.withTx(func(tx *sql.Tx) error {
		var rev int64
		if err := tx.QueryRow(`UPDATE embedding_rev SET rev = rev + 1 WHERE id = 1 RETURNING rev`).Scan(&rev); err != nil {
			return fmt.Errorf("index: bump embedding rev: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO embeddings(bullet_id, vector, dim, content_hash, model_id, rev, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(bullet_id) DO UPDATE SET
				vector = excluded.vector, dim = excluded.dim,
				content_hash = excluded.content_hash, model_id = excluded.model_id,
				rev = excluded.rev, updated_at = excluded.updated_at`,
			bulletID, encodeVector(vec), len(vec), hash, modelID, rev,
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("index: store embedding: %w", err)
		}
		return nil
	})
}

// EmbeddingRevision returns the current revision counter.
func (db *DB) EmbeddingRevision() (int64, error) {
	var rev int64
	err := db.conn.QueryRow(`SELECT rev FROM embedding_rev WHERE id = 1`).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return rev, err
}

// EmbeddingsSince returns rows written after the given revision,
// ascending. Pass rev 0 for a full load.
func (db *DB) EmbeddingsSince(rev int64) ([]EmbeddingRow, error) {
	rows, err := db.conn.Query(`
		SELECT bullet_id, vector, rev FROM embeddings
		WHERE rev > ? AND vector IS NOT NULL ORDER BY rev`, rev)
	if err != nil {
		return nil, fmt.Errorf("index: embeddings since: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingRow
	for rows.Next() {
		var r EmbeddingRow
		var blob []byte
		if err := rows.Scan(&r.BulletID, &blob, &r.Rev); err != nil {
			return nil, err
		}
		r.Vector = decodeVector(blob)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingEmbeddings lists bullets whose embedding is missing or stale for
// the given model.
func (db *DB) PendingEmbeddings(modelID string) ([]EmbedJob, error) {
	rows, err := db.conn.Query(`
		SELECT b.id, b.text, b.content_hash
		FROM bullets b LEFT JOIN embeddings e ON e.bullet_id = b.id
		WHERE e.bullet_id IS NULL OR e.content_hash != b.content_hash OR e.model_id != ?`,
		modelID)
	if err != nil {
		return nil, fmt.Errorf("index: pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbedJob
	for rows.Next() {
		var j EmbedJob
		if err := rows.Scan(&j.BulletID, &j.Text, &j.Hash); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// encodeVector serializes a vector as little-endian float32 bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

// ---------------------------------------------------------------------------
// Calibration storage
// ---------------------------------------------------------------------------

// SaveBreaks persists the quantile breakpoints for a score channel and
// resets the touched counter.
func (db *DB) SaveBreaks(key string, breaks []float64) error {
	raw, err := json.Marshal(breaks)
	if err != nil {
		return fmt.Errorf("index: marshal breaks: %w", err)
	}
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO calibration(key, breaks, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET breaks = excluded.breaks, updated_at = excluded.updated_at`,
			key, string(raw), time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("index: save breaks: %w", err)
		}
		_, err := tx.Exec(`UPDATE calibration_ops SET touched = 0 WHERE id = 1`)
		return err
	})
}

// Breaks returns the stored breakpoints for a channel, or nil when the
// channel has never been calibrated.
func (db *DB) Breaks(key string) ([]float64, error) {
	var raw string
	err := db.conn.QueryRow(`SELECT breaks FROM calibration WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: load breaks: %w", err)
	}
	var breaks []float64
	if err := json.Unmarshal([]byte(raw), &breaks); err != nil {
		return nil, fmt.Errorf("index: decode breaks: %w", err)
	}
	return breaks, nil
}

// AddTouched counts bullets changed since the last calibration.
func (db *DB) AddTouched(n int) error {
	_, err := db.conn.Exec(`UPDATE calibration_ops SET touched = touched + ? WHERE id = 1`, n)
	return err
}

// TouchedFraction returns touched-since-calibration divided by the total
// indexed bullet count (at least 1).
func (db *DB) TouchedFraction() (float64, error) {
	var touched, total int
	if err := db.conn.QueryRow(`SELECT touched FROM calibration_ops WHERE id = 1`).Scan(&touched); err != nil {
		return 0, err
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM bullets`).Scan(&total); err != nil {
		return 0, err
	}
	if total < 1 {
		total = 1
	}
	return float64(touched) / float64(total), nil
}
