package index

import (
	"strings"
	"unicode"
)

// Hit is one keyword-search result with its raw BM25-like score (higher is
// better).
type Hit struct {
	BulletID string
	Slug     string
	Text     string
	Score    float64
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(
		"a about above after again against all am an and any are as at be because " +
			"been before being below between both but by can did do does doing down " +
			"during each few for from further had has have having he her here hers " +
			"herself him himself his how if in into is it its itself just me more " +
			"most my myself no nor not now of off on once only or other our ours " +
			"ourselves out over own same she should so some such than that the their " +
			"theirs them themselves then there these they this those through to too " +
			"under until up very was we were what when where which while who whom " +
			"why will with you your yours yourself yourselves") {
		stopwords[w] = struct{}{}
	}
}

// tokenize splits q on non-alphanumeric boundaries, lowercases, and drops
// tokens shorter than two characters plus stopwords.
func tokenize(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, t := range fields {
		if len(t) < 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// buildMatch turns a free-text query into the FTS5 match expression
// "(t1 OR t1*) OR (t2 OR t2*) …" so partial matches work across bullets.
// Returns "" when no usable token remains.
func buildMatch(q string) string {
	toks := tokenize(q)
	if len(toks) == 0 {
		return ""
	}
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = "(" + t + " OR " + t + "*)"
	}
	return strings.Join(parts, " OR ")
}

// Search runs a keyword search over bullet text and returns the top hits
// with raw scores. An empty or all-stopword query yields no hits.
func (db *DB) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	match := buildMatch(query)
	if match == "" {
		return nil, nil
	}
	return db.searchFTS(match, limit)
}
