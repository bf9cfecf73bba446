//go:build sqlite_fts5

package index

import (
	"testing"

	"github.com/starford/munin/internal/models"
)

func TestSearchFindsAddedBullet(t *testing.T) {
	db := testDB(t)
	st := testStore(t)
	id, _ := st.Add("t", "alpha [b-link] beta", models.KindFact)
	if _, err := ReindexNode(db, st, "t"); err != nil {
		t.Fatal(err)
	}

	hits, err := db.Search("alpha", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].BulletID != id || hits[0].Slug != "t" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %v, want > 0 (negated bm25)", hits[0].Score)
	}
}

func TestSearchPrefixExpansion(t *testing.T) {
	db := testDB(t)
	st := testStore(t)
	_, _ = st.Add("t", "calibration breakpoints for scoring", models.KindFact)
	_, _ = ReindexNode(db, st, "t")

	// "calibr" matches via the prefix wildcard.
	hits, err := db.Search("calibr", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %+v, want prefix match", hits)
	}
}

func TestSearchAfterUpdateAndDelete(t *testing.T) {
	db := testDB(t)
	st := testStore(t)
	id, _ := st.Add("t", "original wording", models.KindFact)
	_, _ = ReindexNode(db, st, "t")

	_ = st.Update(id, "replacement phrasing")
	_, _ = ReindexNode(db, st, "t")

	if hits, _ := db.Search("original", 10); len(hits) != 0 {
		t.Fatalf("stale text still matches: %+v", hits)
	}
	if hits, _ := db.Search("replacement", 10); len(hits) != 1 {
		t.Fatalf("new text not found")
	}

	_ = st.Delete(id)
	_, _ = ReindexNode(db, st, "t")
	if hits, _ := db.Search("replacement", 10); len(hits) != 0 {
		t.Fatalf("deleted bullet still matches: %+v", hits)
	}
}

func TestSearchStopwordOnlyQuery(t *testing.T) {
	db := testDB(t)
	hits, err := db.Search("the and of", 10)
	if err != nil {
		t.Fatal(err)
	}
	if hits != nil {
		t.Fatalf("hits = %+v, want none for stopword-only query", hits)
	}
}
