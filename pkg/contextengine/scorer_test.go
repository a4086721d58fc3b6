package contextengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"camel case split", "ConfigManager", []string{"config", "manager"}},
		{"snake case split", "load_user_config", []string{"load", "user", "config"}},
		{"stop words and short tokens dropped", "the id of a connection", []string{"connection"}},
		{"mixed", "parseCSV_file", []string{"parse", "csv", "file"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func chunkWith(name, signature, docstring, content string) CodeChunk {
	return CodeChunk{
		ID:        "f.py:1-10",
		FilePath:  "f.py",
		Name:      name,
		Signature: signature,
		Docstring: docstring,
		Content:   content,
		ChunkType: KindFunction,
	}
}

func TestScorer_EmptyInputs(t *testing.T) {
	s := NewScorer()

	assert.Nil(t, s.Score("query", nil))

	chunks := []CodeChunk{chunkWith("foo", "", "", "def foo(): pass")}
	scored := s.Score("", chunks)
	require.Len(t, scored, 1)
	assert.Zero(t, scored[0].Score)
}

func TestScorer_NameBoostWins(t *testing.T) {
	s := NewScorer()

	chunks := []CodeChunk{
		chunkWith("parse_csv", "def parse_csv(path):", "", "def parse_csv(path):\n    return rows"),
		chunkWith("helper", "def helper():", "", "def helper():\n    # parse nothing here\n    return None"),
	}

	scored := s.Score("parse csv", chunks)
	require.Len(t, scored, 2)
	assert.Equal(t, "parse_csv", scored[0].Chunk.Name)
	assert.Greater(t, scored[0].Score, scored[1].Score)
	assert.Contains(t, scored[0].MatchedKeywords, "csv")
}

func TestScorer_TiesKeepOriginalOrder(t *testing.T) {
	s := NewScorer()

	chunks := []CodeChunk{
		chunkWith("alpha", "", "", "nothing relevant"),
		chunkWith("beta", "", "", "nothing relevant"),
	}

	scored := s.Score("unrelated query terms", chunks)
	require.Len(t, scored, 2)
	assert.Equal(t, "alpha", scored[0].Chunk.Name)
	assert.Equal(t, "beta", scored[1].Chunk.Name)
}

func TestScorer_UnseenTermGetsUpperBoundIDF(t *testing.T) {
	s := NewScorer()

	chunks := []CodeChunk{
		chunkWith("zzz", "", "", "zzz content"),
	}

	idf := s.computeIDF([]string{"missing"}, chunks, [][]string{Tokenize("zzz content")})
	// log(N+1) with N=1.
	assert.InDelta(t, 0.6931, idf["missing"], 0.001)
}

func TestScorer_CamelCaseQueriesMatchSnakeCaseCode(t *testing.T) {
	s := NewScorer()

	chunks := []CodeChunk{
		chunkWith("config_manager", "def config_manager():", "", "def config_manager():\n    return cfg"),
		chunkWith("unrelated", "", "", "pass"),
	}

	scored := s.Score("ConfigManager", chunks)
	assert.Equal(t, "config_manager", scored[0].Chunk.Name)
	assert.Greater(t, scored[0].Score, 0.0)
}
