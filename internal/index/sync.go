package index

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/models"
	"github.com/starford/munin/internal/store"
)

// ContentHash pins an embedding (and the keyword row) to the exact text
// that produced it.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ReindexNode replays one node's logs, diffs the live bullet set against
// the stored rows, and emits minimal upserts/deletes. It returns the
// number of bullets whose text changed (feeding the auto-calibrate
// counter). Embedding jobs are derived afterwards via PendingEmbeddings.
func ReindexNode(db *DB, st *store.Store, slug string) (int, error) {
	node, err := st.Load(slug)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return 0, err
	}
	var changed int
	err = db.withTx(func(tx *sql.Tx) error {
		changed, err = reindexNodeTx(tx, slug, node)
		if err != nil {
			return err
		}
		if changed > 0 {
			_, err = tx.Exec(`UPDATE calibration_ops SET touched = touched + ? WHERE id = 1`, changed)
		}
		return err
	})
	return changed, err
}

// ReindexAll drops and rebuilds every derived table from the record
// files. The budget table survives; a full rebuild therefore preserves
// served-budget counters.
func ReindexAll(db *DB, st *store.Store) (int, error) {
	if err := db.dropDerived(db.conn); err != nil {
		return 0, err
	}
	if err := db.applySchema(); err != nil {
		return 0, err
	}
	slugs, err := st.Slugs()
	if err != nil {
		return 0, err
	}
	err = db.withTx(func(tx *sql.Tx) error {
		touched := 0
		for _, slug := range slugs {
			node, err := st.Load(slug)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					continue
				}
				return err
			}
			n, err := reindexNodeTx(tx, slug, node)
			if err != nil {
				return fmt.Errorf("index: rebuild %s: %w", slug, err)
			}
			touched += n
		}
		// Every replayed bullet counts as touched, so the auto-calibrate
		// trigger re-derives the breakpoints the rebuild dropped.
		_, err := tx.Exec(`UPDATE calibration_ops SET touched = ? WHERE id = 1`, touched)
		return err
	})
	return len(slugs), err
}

type storedBullet struct {
	text    string
	hash    string
	useful  int
	harmful int
	pos     int
}

func reindexNodeTx(tx *sql.Tx, slug string, node *models.Node) (int, error) {
	stored, err := storedBullets(tx, slug)
	if err != nil {
		return 0, err
	}

	// Node file gone: removal of its derived rows is sufficient.
	if node == nil {
		for id := range stored {
			deleteBulletTx(tx, id)
		}
		_, _ = tx.Exec(`DELETE FROM nodes WHERE slug = ?`, slug)
		return len(stored), nil
	}

	live := node.Live()
	liveSet := make(map[string]struct{}, len(live))
	changed := 0

	for pos, b := range live {
		liveSet[b.ID] = struct{}{}
		hash := ContentHash(b.Text)
		prev, ok := stored[b.ID]
		switch {
		case !ok:
			if err := insertBulletTx(tx, slug, b, hash, pos); err != nil {
				return changed, err
			}
			changed++
		case prev.hash != hash:
			if err := updateBulletTx(tx, slug, b, hash, pos); err != nil {
				return changed, err
			}
			changed++
		case prev.useful != b.Useful || prev.harmful != b.Harmful || prev.pos != pos:
			_, err := tx.Exec(`UPDATE bullets SET useful = ?, harmful = ?, pos = ? WHERE id = ?`,
				b.Useful, b.Harmful, pos, b.ID)
			if err != nil {
				return changed, fmt.Errorf("index: update counters: %w", err)
			}
		}
	}

	for id := range stored {
		if _, ok := liveSet[id]; !ok {
			deleteBulletTx(tx, id)
			changed++
		}
	}

	reviewedAt := ""
	if !node.ReviewedAt.IsZero() {
		reviewedAt = node.ReviewedAt.UTC().Format(time.RFC3339)
	}
	var prevReviewed string
	hadRow := tx.QueryRow(`SELECT reviewed_at FROM nodes WHERE slug = ?`, slug).Scan(&prevReviewed) == nil

	_, err = tx.Exec(`
		INSERT INTO nodes(slug, title, bullet_count, reviewed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title, bullet_count = excluded.bullet_count,
			reviewed_at = excluded.reviewed_at`,
		slug, node.Title(), len(live), reviewedAt)
	if err != nil {
		return changed, fmt.Errorf("index: upsert node: %w", err)
	}

	// A reviewed record newer than the stored marker clears the served
	// budget. This is the only thing besides AddServedChars that touches
	// the budget table. A node without a stored row (fresh or rebuilt store)
	// has no earlier marker to compare against, so its budget is kept.
	if hadRow && reviewedAt != "" && reviewedAt != prevReviewed {
		if _, err := tx.Exec(`DELETE FROM budget WHERE slug = ?`, slug); err != nil {
			return changed, fmt.Errorf("index: clear budget: %w", err)
		}
	}
	return changed, nil
}

func storedBullets(tx *sql.Tx, slug string) (map[string]storedBullet, error) {
	rows, err := tx.Query(
		`SELECT id, text, content_hash, useful, harmful, pos FROM bullets WHERE node_slug = ?`, slug)
	if err != nil {
		return nil, fmt.Errorf("index: stored bullets: %w", err)
	}
	defer rows.Close()
	out := make(map[string]storedBullet)
	for rows.Next() {
		var id string
		var sb storedBullet
		if err := rows.Scan(&id, &sb.text, &sb.hash, &sb.useful, &sb.harmful, &sb.pos); err != nil {
			return nil, err
		}
		out[id] = sb
	}
	return out, rows.Err()
}

func insertBulletTx(tx *sql.Tx, slug string, b models.Bullet, hash string, pos int) error {
	_, err := tx.Exec(`
		INSERT INTO bullets(id, node_slug, kind, text, content_hash, created_at, updated_at, useful, harmful, pos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_slug = excluded.node_slug, kind = excluded.kind, text = excluded.text,
			content_hash = excluded.content_hash, updated_at = excluded.updated_at,
			useful = excluded.useful, harmful = excluded.harmful, pos = excluded.pos`,
		b.ID, slug, string(b.Kind), b.Text, hash,
		b.CreatedAt.UTC().Format(time.RFC3339), b.UpdatedAt.UTC().Format(time.RFC3339),
		b.Useful, b.Harmful, pos)
	if err != nil {
		return fmt.Errorf("index: insert bullet: %w", err)
	}
	if err := ftsUpsert(tx, b.ID, slug, b.Text); err != nil {
		return err
	}
	return rewriteLinks(tx, slug, b)
}

func updateBulletTx(tx *sql.Tx, slug string, b models.Bullet, hash string, pos int) error {
	_, err := tx.Exec(`
		UPDATE bullets SET text = ?, content_hash = ?, updated_at = ?, useful = ?, harmful = ?, pos = ?
		WHERE id = ?`,
		b.Text, hash, b.UpdatedAt.UTC().Format(time.RFC3339), b.Useful, b.Harmful, pos, b.ID)
	if err != nil {
		return fmt.Errorf("index: update bullet: %w", err)
	}
	if err := ftsUpsert(tx, b.ID, slug, b.Text); err != nil {
		return err
	}
	return rewriteLinks(tx, slug, b)
}

func deleteBulletTx(tx *sql.Tx, id string) {
	ftsDelete(tx, id)
	_, _ = tx.Exec(`DELETE FROM backlinks WHERE from_id = ?`, id)
	_, _ = tx.Exec(`DELETE FROM embeddings WHERE bullet_id = ?`, id)
	_, _ = tx.Exec(`DELETE FROM bullets WHERE id = ?`, id)
}

func rewriteLinks(tx *sql.Tx, slug string, b models.Bullet) error {
	if _, err := tx.Exec(`DELETE FROM backlinks WHERE from_id = ?`, b.ID); err != nil {
		return fmt.Errorf("index: clear links: %w", err)
	}
	for _, ref := range models.ExtractLinks(b.Text, slug) {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO backlinks(from_id, from_slug, to_slug) VALUES (?, ?, ?)`,
			b.ID, slug, ref); err != nil {
			return fmt.Errorf("index: insert link: %w", err)
		}
	}
	return nil
}
