package contextengine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeProject creates a small fake project on disk.
func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestEngine_IndexProjectSkipsHiddenAndCaches(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"main.py":                "def main():\n    return 0\n",
		".hidden/secret.py":      "def hidden():\n    return 1\n",
		"__pycache__/cache.py":   "def cached():\n    return 2\n",
		"node_modules/dep.py":    "def dep():\n    return 3\n",
		"pkg/util.py":            "def util():\n    return 4\n",
		"README.md":              "not code",
	})

	e := New(Config{}, nil)
	index, err := e.IndexProject(dir, []string{".py"})
	require.NoError(t, err)

	assert.Len(t, index, 2)
	assert.Contains(t, index, "main.py")
	assert.Contains(t, index, filepath.Join("pkg", "util.py"))
}

func TestEngine_IndexIsDeterministicAndCached(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"a.py": "def alpha():\n    return 1\n",
		"b.py": "def beta():\n    return 2\n",
	})

	e := New(Config{}, nil)

	first, err := e.IndexProject(dir, []string{".py"})
	require.NoError(t, err)
	second, err := e.IndexProject(dir, []string{".py"})
	require.NoError(t, err)

	// Cached: literally the same map, and identical content.
	assert.Equal(t, 1, e.CachedProjects())
	require.Equal(t, len(first), len(second))
	for file, chunks := range first {
		require.Contains(t, second, file)
		require.Equal(t, len(chunks), len(second[file]))
		for i := range chunks {
			assert.Equal(t, chunks[i].ID, second[file][i].ID)
		}
	}
}

func TestEngine_IndexMissingProject(t *testing.T) {
	e := New(Config{}, nil)
	_, err := e.IndexProject("/nonexistent/project/path", []string{".py"})
	assert.Error(t, err)
}

func TestEngine_GetContextRespectsBudget(t *testing.T) {
	files := make(map[string]string)
	// 20 functions of ~200 tokens (~800 chars) each.
	for i := 0; i < 20; i++ {
		body := ""
		for j := 0; j < 16; j++ {
			body += fmt.Sprintf("    foo_step_%d_%d = compute_%d(%d)  # padding padding\n", i, j, j, j)
		}
		files[fmt.Sprintf("mod_%d.py", i)] = fmt.Sprintf("def foo_handler_%d(arg):\n%s    return arg\n", i, body)
	}

	budget := 400
	e := New(Config{MaxContextTokens: budget}, nil)
	dir := writeProject(t, files)

	out, err := e.GetContext("foo", dir, []string{".py"})
	require.NoError(t, err)
	require.NotEmpty(t, out)

	// Total characters <= budget * 4 * 1.2 (slack for frames).
	assert.LessOrEqual(t, len(out), budget*4*12/10)
}

func TestEngine_GetContextEmptyProject(t *testing.T) {
	dir := writeProject(t, map[string]string{"README.md": "no code"})

	e := New(Config{}, nil)
	out, err := e.GetContext("anything", dir, []string{".py"})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestEngine_InvalidateForcesReindex(t *testing.T) {
	dir := writeProject(t, map[string]string{"a.py": "def one():\n    return 1\n"})

	e := New(Config{}, nil)
	_, err := e.IndexProject(dir, []string{".py"})
	require.NoError(t, err)
	require.Equal(t, 1, e.CachedProjects())

	e.Invalidate(dir, []string{".py"})
	assert.Equal(t, 0, e.CachedProjects())

	// New file appears after invalidation.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.py"), []byte("def two():\n    return 2\n"), 0644))
	index, err := e.IndexProject(dir, []string{".py"})
	require.NoError(t, err)
	assert.Len(t, index, 2)
}

func TestCacheKey_StableUnderExtensionOrder(t *testing.T) {
	k1 := CacheKey("/some/project", []string{".py", ".go"})
	k2 := CacheKey("/some/project", []string{".go", ".py"})
	k3 := CacheKey("/other/project", []string{".go", ".py"})

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
