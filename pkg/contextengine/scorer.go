package contextengine

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	wordPattern   = regexp.MustCompile(`\w+`)
)

var stopWords = map[string]struct{}{
	"the": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "to": {}, "of": {}, "in": {}, "on": {},
	"at": {}, "for": {}, "with": {}, "by": {},
}

// Tokenize splits text into search terms: CamelCase boundaries and
// underscores become spaces, everything is lowercased, and tokens of
// length <= 2 and stop words are dropped.
func Tokenize(text string) []string {
	text = camelBoundary.ReplaceAllString(text, "$1 $2")
	text = strings.ReplaceAll(text, "_", " ")
	text = strings.ToLower(text)

	words := wordPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// Scorer ranks chunks against a query with a BM25-style tf-idf.
type Scorer struct{}

// NewScorer creates a scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score evaluates every chunk against the query and returns them sorted
// by descending relevance; ties keep original order. An empty query
// yields zero scores for every chunk; an empty chunk list yields nil.
func (s *Scorer) Score(query string, chunks []CodeChunk) []ScoredChunk {
	if len(chunks) == 0 {
		return nil
	}

	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		scored := make([]ScoredChunk, len(chunks))
		for i, ch := range chunks {
			scored[i] = ScoredChunk{Chunk: ch}
		}
		return scored
	}

	// Pre-tokenize each chunk once; reused for idf and tf.
	chunkTokens := make([][]string, len(chunks))
	for i, ch := range chunks {
		chunkTokens[i] = Tokenize(ch.Name + " " + ch.Signature + " " + ch.Docstring + " " + ch.Content)
	}

	idf := s.computeIDF(queryTerms, chunks, chunkTokens)

	scored := make([]ScoredChunk, len(chunks))
	for i, ch := range chunks {
		score, matched := s.scoreChunk(queryTerms, ch, chunkTokens[i], idf)
		scored[i] = ScoredChunk{Chunk: ch, Score: score, MatchedKeywords: matched}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return scored
}

// computeIDF uses the BM25 formulation; terms absent from every chunk
// get the upper bound log(N+1).
func (s *Scorer) computeIDF(queryTerms []string, chunks []CodeChunk, chunkTokens [][]string) map[string]float64 {
	total := float64(len(chunks))
	idf := make(map[string]float64, len(queryTerms))

	for _, term := range queryTerms {
		if _, done := idf[term]; done {
			continue
		}

		docFreq := 0.0
		for i := range chunks {
			if containsToken(chunkTokens[i], term) {
				docFreq++
			}
		}

		if docFreq > 0 {
			idf[term] = math.Log((total-docFreq+0.5)/(docFreq+0.5) + 1.0)
		} else {
			idf[term] = math.Log(total + 1.0)
		}
	}
	return idf
}

func (s *Scorer) scoreChunk(queryTerms []string, chunk CodeChunk, tokens []string, idf map[string]float64) (float64, []string) {
	totalTerms := float64(len(tokens) + 1)

	nameLower := strings.ToLower(chunk.Name)
	signatureLower := strings.ToLower(chunk.Signature)
	docstringLower := strings.ToLower(chunk.Docstring)

	score := 0.0
	var matched []string

	for _, term := range queryTerms {
		freq := 0
		for _, tok := range tokens {
			if tok == term {
				freq++
			}
		}
		if freq == 0 {
			continue
		}

		tf := float64(freq) / totalTerms

		// A hit in the name outweighs one in the signature or docstring.
		switch {
		case strings.Contains(nameLower, term):
			tf *= 3.0
		case strings.Contains(signatureLower, term):
			tf *= 2.0
		case strings.Contains(docstringLower, term):
			tf *= 1.5
		}

		score += tf * idf[term]
		matched = append(matched, term)
	}

	return score, matched
}

func containsToken(tokens []string, term string) bool {
	for _, t := range tokens {
		if t == term {
			return true
		}
	}
	return false
}
