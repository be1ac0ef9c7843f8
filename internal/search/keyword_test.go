package search

import (
	"reflect"
	"testing"

	"github.com/kalambet/recall/internal/store"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{"The-quick, Brown FOX!!", []string{"the", "quick", "brown", "fox"}},
		{"go go go", []string{"go"}},
		{"a b ok", []string{"ok"}},
		{"connection_pool v2", []string{"connection", "pool", "v2"}},
		{"C#", []string{"c#"}},
		{"   ", nil},
	}
	for _, tc := range cases {
		if got := tokenize(tc.query); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

// TestRankKeywordNormalizes verifies the best raw score lands at exactly
// 1.0 and zero-score candidates drop out.
func TestRankKeywordNormalizes(t *testing.T) {
	candidates := []store.Record{
		{ID: "title", Title: "cache design"},
		{ID: "body", Body: "a cache"},
		{ID: "none", Title: "unrelated", Body: "nothing here"},
	}

	ranked := rankKeyword(candidates, []string{"cache"}, "cache")
	if len(ranked) != 2 {
		t.Fatalf("got %d candidates, want 2 with the zero score dropped", len(ranked))
	}
	if ranked[0].rec.ID != "title" || ranked[0].score != 1.0 {
		t.Fatalf("best = %s at %v, want title at 1.0", ranked[0].rec.ID, ranked[0].score)
	}
	if ranked[1].rec.ID != "body" || ranked[1].score >= 1.0 {
		t.Fatalf("runner-up = %s at %v, want body below 1.0", ranked[1].rec.ID, ranked[1].score)
	}
}

func TestScoreRecordPhraseBoost(t *testing.T) {
	rec := store.Record{Title: "token rotation policy"}
	tokens := []string{"token", "rotation"}

	boosted := scoreRecord(rec, tokens, "token rotation")
	plain := scoreRecord(rec, tokens, "rotation token")
	if boosted <= plain {
		t.Fatalf("phrase in title scored %v, separate words %v; boost missing", boosted, plain)
	}

	// No boost without an actual match.
	if s := scoreRecord(store.Record{Title: "empty"}, tokens, "token rotation"); s != 0 {
		t.Fatalf("unmatched record scored %v, want 0", s)
	}
}
