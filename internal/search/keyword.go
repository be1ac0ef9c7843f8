package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kalambet/recall/internal/store"
)

// Field weights for keyword relevance. A title hit outranks a tag hit,
// which outranks a body hit; a title containing the whole query phrase gets
// an extra boost on top.
const (
	titleWeight = 3.0
	tagWeight   = 2.0
	bodyWeight  = 1.0
	phraseBoost = 1.5
)

// tokenize lowercases the query and splits it into alphanumeric tokens of
// at least two characters. If nothing survives, the whole trimmed query
// becomes the single token so short queries still match something.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	if len(tokens) == 0 {
		if q := strings.TrimSpace(strings.ToLower(query)); q != "" {
			tokens = append(tokens, q)
		}
	}
	return tokens
}

// scoreRecord computes the raw keyword relevance of one candidate.
func scoreRecord(rec store.Record, tokens []string, phrase string) float64 {
	title := strings.ToLower(rec.Title)
	tags := strings.ToLower(strings.Join(rec.Tags, " "))
	body := strings.ToLower(rec.Body)

	var score float64
	for _, tok := range tokens {
		score += float64(strings.Count(title, tok)) * titleWeight
		score += float64(strings.Count(tags, tok)) * tagWeight
		score += float64(strings.Count(body, tok)) * bodyWeight
	}
	if score > 0 && phrase != "" && strings.Contains(title, phrase) {
		score *= phraseBoost
	}
	return score
}

// scoredCandidate pairs a candidate with its raw score during ranking.
type scoredCandidate struct {
	rec   store.Record
	score float64
}

// rankKeyword scores candidates and normalizes against the best raw score,
// so the strongest keyword match always lands at 1.0 and the rest scale
// into (0, 1]. Zero-score candidates drop out.
func rankKeyword(candidates []store.Record, tokens []string, phrase string) []scoredCandidate {
	ranked := make([]scoredCandidate, 0, len(candidates))
	var max float64
	for _, rec := range candidates {
		s := scoreRecord(rec, tokens, phrase)
		if s <= 0 {
			continue
		}
		if s > max {
			max = s
		}
		ranked = append(ranked, scoredCandidate{rec: rec, score: s})
	}
	for i := range ranked {
		ranked[i].score /= max
	}
	sortCandidates(ranked)
	return ranked
}

// sortCandidates orders by score, then recency, then id, so equal scores
// produce a stable, deterministic ordering.
func sortCandidates(cands []scoredCandidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if !cands[i].rec.UpdatedAt.Equal(cands[j].rec.UpdatedAt) {
			return cands[i].rec.UpdatedAt.After(cands[j].rec.UpdatedAt)
		}
		return cands[i].rec.ID < cands[j].rec.ID
	})
}
