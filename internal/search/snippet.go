package search

import (
	"strings"
)

const (
	// snippetRadius is how far a keyword excerpt extends either side of the
	// first match.
	snippetRadius = 80
	// maxSnippetLen caps every snippet.
	maxSnippetLen = 240
)

// keywordSnippet builds an excerpt around the first token match in the
// body, highlighting every occurrence with <em> markers. A record that
// matched only on title or tags gets a highlighted lead excerpt instead.
func keywordSnippet(body string, tokens []string) string {
	if body == "" {
		return ""
	}

	lower := strings.ToLower(body)
	pos := -1
	for _, tok := range tokens {
		if i := strings.Index(lower, tok); i >= 0 && (pos == -1 || i < pos) {
			pos = i
		}
	}
	if pos == -1 {
		return highlight(truncateText(body, maxSnippetLen), tokens)
	}

	start := pos - snippetRadius
	if start < 0 {
		start = 0
	} else if i := strings.IndexByte(body[start:pos], ' '); i >= 0 {
		start += i + 1
	}
	end := pos + snippetRadius
	if end > len(body) {
		end = len(body)
	} else if i := strings.LastIndexByte(body[pos:end], ' '); i > 0 {
		end = pos + i
	}

	excerpt := highlight(strings.TrimSpace(body[start:end]), tokens)
	if start > 0 {
		excerpt = "..." + excerpt
	}
	if end < len(body) {
		excerpt += "..."
	}
	return excerpt
}

// semanticSnippet picks the sentence with the highest query-token density.
// When no sentence contains a query token, the opening sentence stands in.
func semanticSnippet(body, query string) string {
	sentences := splitSentences(body)
	if len(sentences) == 0 {
		return ""
	}

	tokens := tokenize(query)
	best := sentences[0]
	var bestDensity float64
	for _, s := range sentences {
		lower := strings.ToLower(s)
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		density := float64(hits) / float64(len(strings.Fields(s)))
		if density > bestDensity {
			best, bestDensity = s, density
		}
	}
	return truncateText(strings.TrimSpace(best), maxSnippetLen)
}

// splitSentences breaks a body on sentence terminators and newlines.
func splitSentences(body string) []string {
	var sentences []string
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(body[start:end]); s != "" {
			sentences = append(sentences, s)
		}
	}
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '.', '!', '?':
			if i+1 >= len(body) || body[i+1] == ' ' || body[i+1] == '\n' {
				flush(i + 1)
				start = i + 1
			}
		case '\n':
			flush(i)
			start = i + 1
		}
	}
	flush(len(body))
	return sentences
}

// highlight wraps every token occurrence in <em> markers, longest token
// first when several match at the same offset.
func highlight(text string, tokens []string) string {
	if len(tokens) == 0 {
		return text
	}
	lower := strings.ToLower(text)
	var b strings.Builder
	i := 0
	for i < len(text) {
		length := 0
		for _, tok := range tokens {
			if len(tok) > length && strings.HasPrefix(lower[i:], tok) {
				length = len(tok)
			}
		}
		if length > 0 {
			b.WriteString("<em>")
			b.WriteString(text[i : i+length])
			b.WriteString("</em>")
			i += length
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

// truncateText cuts at a word boundary near n and appends a marker.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
