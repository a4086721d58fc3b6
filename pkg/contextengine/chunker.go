package contextengine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultMaxChunkTokens bounds a single chunk before it is split into
// part-numbered siblings.
const DefaultMaxChunkTokens = 500

// languagePatterns recognize class and function boundaries per language.
type languagePatterns struct {
	class    *regexp.Regexp
	function *regexp.Regexp

	// closingBrace extends a block to include its terminating brace line.
	closingBrace bool
}

var patternsByLanguage = map[string]languagePatterns{
	"python": {
		class:    regexp.MustCompile(`(?m)^class\s+(\w+)(?:\([^)]*\))?\s*:`),
		function: regexp.MustCompile(`(?m)^def\s+(\w+)\s*\(`),
	},
	"go": {
		class:        regexp.MustCompile(`(?m)^type\s+(\w+)\s+(?:struct|interface)\b`),
		function:     regexp.MustCompile(`(?m)^func\s+(?:\([^)]+\)\s+)?(\w+)\s*\(`),
		closingBrace: true,
	},
	"javascript": {
		class:        regexp.MustCompile(`(?m)^class\s+(\w+)`),
		function:     regexp.MustCompile(`(?m)^(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(`),
		closingBrace: true,
	},
}

var extensionLanguages = map[string]string{
	".py":  "python",
	".go":  "go",
	".js":  "javascript",
	".jsx": "javascript",
	".ts":  "javascript",
	".tsx": "javascript",
}

// LanguageForPath maps a file extension to a supported language tag
// (empty for unsupported extensions).
func LanguageForPath(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}

// Chunker splits files into structure-aware chunks.
type Chunker struct {
	maxChunkTokens int
}

// NewChunker creates a chunker with the given per-chunk token cap.
func NewChunker(maxChunkTokens int) *Chunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = DefaultMaxChunkTokens
	}
	return &Chunker{maxChunkTokens: maxChunkTokens}
}

type boundary struct {
	kind      string
	name      string
	startLine int
	endLine   int
}

// ChunkFile splits one file into chunks. Files in unsupported languages,
// and files without recognizable structure, become a single module chunk
// (split if oversized).
func (c *Chunker) ChunkFile(path, content string) []CodeChunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	language := LanguageForPath(path)
	patterns, ok := patternsByLanguage[language]
	if !ok {
		return c.boundChunk(c.moduleChunk(path, content, language, 1, len(lines)))
	}

	boundaries := c.findBoundaries(content, lines, patterns)
	if len(boundaries) == 0 {
		return c.boundChunk(c.moduleChunk(path, content, language, 1, len(lines)))
	}

	var chunks []CodeChunk
	for _, b := range boundaries {
		chunkContent := strings.Join(lines[b.startLine-1:b.endLine], "\n")
		signature, docstring := extractMetadata(lines[b.startLine-1:b.endLine], language)

		chunk := CodeChunk{
			ID:        chunkID(path, b.startLine, b.endLine),
			FilePath:  path,
			StartLine: b.startLine,
			EndLine:   b.endLine,
			Content:   chunkContent,
			ChunkType: b.kind,
			Name:      b.name,
			Signature: signature,
			Docstring: docstring,
			Language:  language,
		}
		chunks = append(chunks, c.boundChunk(chunk)...)
	}

	return chunks
}

// boundChunk returns the chunk itself, or its part-numbered slices when
// it exceeds the token cap.
func (c *Chunker) boundChunk(chunk CodeChunk) []CodeChunk {
	if chunk.EstimatedTokens() <= c.maxChunkTokens {
		return []CodeChunk{chunk}
	}
	return c.splitLargeChunk(chunk)
}

func (c *Chunker) findBoundaries(content string, lines []string, patterns languagePatterns) []boundary {
	var boundaries []boundary

	collect := func(re *regexp.Regexp, kind string) {
		for _, match := range re.FindAllStringSubmatchIndex(content, -1) {
			name := content[match[2]:match[3]]
			startLine := strings.Count(content[:match[0]], "\n") + 1
			endLine := findBlockEnd(lines, startLine, patterns.closingBrace)
			boundaries = append(boundaries, boundary{
				kind:      kind,
				name:      name,
				startLine: startLine,
				endLine:   endLine,
			})
		}
	}

	collect(patterns.class, KindClass)
	collect(patterns.function, KindFunction)

	// Stable order by position in the file.
	for i := 1; i < len(boundaries); i++ {
		for j := i; j > 0 && boundaries[j-1].startLine > boundaries[j].startLine; j-- {
			boundaries[j-1], boundaries[j] = boundaries[j], boundaries[j-1]
		}
	}

	return boundaries
}

// findBlockEnd locates the block end by indent drop: the first following
// non-empty line whose indent does not exceed the definition line's.
// Returns an inclusive 1-based end line.
func findBlockEnd(lines []string, startLine int, closingBrace bool) int {
	base := indentOf(lines[startLine-1])

	for i := startLine; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if indentOf(line) <= base {
			// Brace languages close the block with a line at base indent;
			// include it.
			if closingBrace && strings.TrimSpace(line) == "}" {
				return i + 1
			}
			return i
		}
	}
	return len(lines)
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// extractMetadata pulls the signature (first non-empty line) and, for
// Python, a docstring from a block.
func extractMetadata(blockLines []string, language string) (string, string) {
	var signature string
	for _, line := range blockLines {
		if strings.TrimSpace(line) != "" {
			signature = strings.TrimSpace(line)
			break
		}
	}

	var docstring string
	if language == "python" {
		block := strings.Join(blockLines, "\n")
		for _, quote := range []string{`"""`, "'''"} {
			start := strings.Index(block, quote)
			if start < 0 {
				continue
			}
			rest := block[start+3:]
			end := strings.Index(rest, quote)
			if end >= 0 {
				docstring = strings.TrimSpace(rest[:end])
				break
			}
		}
	}

	return signature, docstring
}

func (c *Chunker) moduleChunk(path, content, language string, start, end int) CodeChunk {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return CodeChunk{
		ID:        chunkID(path, start, end),
		FilePath:  path,
		StartLine: start,
		EndLine:   end,
		Content:   content,
		ChunkType: KindModule,
		Name:      name,
		Language:  language,
	}
}

// splitLargeChunk slices an oversized chunk into part-numbered siblings.
// Only the first part keeps the signature and docstring.
func (c *Chunker) splitLargeChunk(chunk CodeChunk) []CodeChunk {
	lines := strings.Split(chunk.Content, "\n")

	// ~80 characters per line gives the lines-per-part budget.
	partLines := (c.maxChunkTokens * 4) / 80
	if partLines < 1 {
		partLines = 1
	}

	var parts []CodeChunk
	for i := 0; i < len(lines); i += partLines {
		end := i + partLines
		if end > len(lines) {
			end = len(lines)
		}

		content := strings.Join(lines[i:end], "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}

		n := i / partLines
		part := CodeChunk{
			ID:        fmt.Sprintf("%s:part%d", chunk.ID, n),
			FilePath:  chunk.FilePath,
			StartLine: chunk.StartLine + i,
			EndLine:   minInt(chunk.StartLine+end-1, chunk.EndLine),
			Content:   content,
			ChunkType: chunk.ChunkType,
			Name:      fmt.Sprintf("%s_part%d", chunk.Name, n),
			Language:  chunk.Language,
		}
		if n == 0 {
			part.Signature = chunk.Signature
			part.Docstring = chunk.Docstring
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return []CodeChunk{chunk}
	}
	return parts
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
