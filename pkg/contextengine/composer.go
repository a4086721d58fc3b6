package contextengine

import (
	"strings"
)

// Composition constants.
const (
	// DefaultMaxContextTokens is the composed-context budget.
	DefaultMaxContextTokens = 4000

	// partialMinTokens is the smallest useful partial chunk.
	partialMinTokens = 150

	// budgetSoftStop: once this share of the budget is used, no partial
	// chunks are attempted.
	budgetSoftStop = 0.7
)

// tailKeywords mark lines worth preserving when truncating a chunk tail.
var tailKeywords = []string{"return", "yield", "raise", "pass", "break", "continue"}

// Composer packs scored chunks into a token budget.
type Composer struct {
	maxTokens int
}

// NewComposer creates a composer with the given budget.
func NewComposer(maxTokens int) *Composer {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}
	return &Composer{maxTokens: maxTokens}
}

// Compose walks scored chunks greedily, taking whole chunks while the
// budget allows. When a chunk would overflow and less than 70% of the
// budget is used, a partial slice (>= 150 tokens) of that chunk is taken;
// otherwise composition stops.
func (c *Composer) Compose(scored []ScoredChunk) string {
	if len(scored) == 0 {
		return ""
	}

	var sections []string
	totalTokens := 0

	for _, sc := range scored {
		chunk := sc.Chunk
		chunkTokens := chunk.EstimatedTokens()

		if totalTokens+chunkTokens > c.maxTokens {
			if float64(totalTokens) < float64(c.maxTokens)*budgetSoftStop {
				remaining := c.maxTokens - totalTokens
				if remaining >= partialMinTokens {
					partial := truncateChunk(chunk, remaining)
					sections = append(sections, formatChunk(chunk, partial, sc.MatchedKeywords))
					totalTokens += remaining
				}
			}
			break
		}

		sections = append(sections, formatChunk(chunk, chunk.Content, sc.MatchedKeywords))
		totalTokens += chunkTokens
	}

	return strings.Join(sections, "\n\n")
}

// formatChunk renders one chunk with its location header, signature,
// docstring, matched terms and fenced content.
func formatChunk(chunk CodeChunk, content string, matched []string) string {
	fence := chunk.Language
	if fence == "" {
		fence = "text"
	}

	var parts []string
	parts = append(parts, "# "+chunk.FilePath+":"+chunk.Name+" ("+chunk.ChunkType+")")

	if chunk.Signature != "" {
		parts = append(parts, "```"+fence+"\n"+chunk.Signature+"\n```")
	}
	if chunk.Docstring != "" {
		parts = append(parts, "Docstring: "+chunk.Docstring)
	}
	if len(matched) > 0 {
		limit := len(matched)
		if limit > 5 {
			limit = 5
		}
		parts = append(parts, "Relevant keywords: "+strings.Join(matched[:limit], ", "))
	}

	parts = append(parts, "```"+fence+"\n"+content+"\n```")
	return strings.Join(parts, "\n")
}

// truncateChunk cuts a chunk to maxTokens, preserving the head (signature
// and opening logic) and a tail that favors return/yield/raise lines.
func truncateChunk(chunk CodeChunk, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(chunk.Content) <= maxChars {
		return chunk.Content
	}

	lines := strings.Split(chunk.Content, "\n")

	// Small chunks: a plain head cut at a line boundary.
	if len(lines) <= 50 {
		return cutAtNewline(chunk.Content, maxChars) + "\n# ... (truncated)"
	}

	// Large chunks: 60% head, 40% tail.
	headChars := int(float64(maxChars) * 0.6)
	tailChars := maxChars - headChars

	var headLines []string
	headLen := 0
	for _, line := range lines {
		if headLen+len(line)+1 > headChars {
			break
		}
		headLines = append(headLines, line)
		headLen += len(line) + 1
	}

	var tailLines []string
	tailLen := 0
	for i := len(lines) - 1; i >= len(headLines); i-- {
		line := lines[i]
		lineLen := len(line) + 1
		if tailLen+lineLen > tailChars {
			break
		}

		important := false
		for _, kw := range tailKeywords {
			if strings.Contains(line, kw) {
				important = true
				break
			}
		}

		// The last line always joins; others join when important or while
		// comfortably inside the tail budget.
		if important || tailLen == 0 || tailLen+lineLen <= int(float64(tailChars)*0.9) {
			tailLines = append([]string{line}, tailLines...)
			tailLen += lineLen
		}
	}

	var result string
	if len(tailLines) > 0 {
		result = strings.Join(headLines, "\n") + "\n# ... (middle part truncated) ...\n" + strings.Join(tailLines, "\n")
	} else {
		result = strings.Join(headLines, "\n") + "\n# ... (truncated)"
	}

	if len(result) > maxChars {
		result = cutAtNewline(result, maxChars) + "\n# ... (truncated)"
	}
	return result
}

// cutAtNewline cuts s to maxChars, backing up to the previous newline
// when it lands near the end of the cut.
func cutAtNewline(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := s[:maxChars]
	if idx := strings.LastIndex(cut, "\n"); idx > int(float64(maxChars)*0.8) {
		cut = cut[:idx]
	}
	return cut
}
