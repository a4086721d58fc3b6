package contextengine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/logging"
)

// skipDirs are tool caches never worth indexing.
var skipDirs = map[string]struct{}{
	"__pycache__":  {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	".venv":        {},
}

// maxIndexedFileSize skips generated monsters.
const maxIndexedFileSize = 1 << 20

// Engine chunks, ranks and composes code context. The index cache is
// process-wide, keyed on project identity, safe for concurrent reads;
// index builds serialize per key.
type Engine struct {
	chunker  *Chunker
	scorer   *Scorer
	composer *Composer

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	building map[string]*sync.Mutex

	log *logging.Manager
}

// cacheEntry keeps the indexed chunks together with the absolute project
// path, so a watcher can invalidate every index under a changed root.
type cacheEntry struct {
	projectPath string
	index       map[string][]CodeChunk
}

// Config configures the engine.
type Config struct {
	// MaxContextTokens is the composed-context budget (default 4000).
	MaxContextTokens int

	// MaxChunkTokens bounds a single chunk (default 500).
	MaxChunkTokens int
}

// New creates an engine.
func New(cfg Config, log *logging.Manager) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		chunker:  NewChunker(cfg.MaxChunkTokens),
		scorer:   NewScorer(),
		composer: NewComposer(cfg.MaxContextTokens),
		cache:    make(map[string]cacheEntry),
		building: make(map[string]*sync.Mutex),
		log:      log,
	}
}

// CacheKey identifies an index by absolute project path and sorted
// extension list.
func CacheKey(projectPath string, extensions []string) string {
	sorted := append([]string(nil), extensions...)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(absPath(projectPath) + ":" + strings.Join(sorted, ",")))
	return hex.EncodeToString(h[:])[:16]
}

func absPath(projectPath string) string {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	return filepath.Clean(abs)
}

// IndexProject chunks every matching file under projectPath and returns
// the file-to-chunks map. Results are cached by project identity; the
// same (path, extensions) pair always yields the same map.
func (e *Engine) IndexProject(projectPath string, extensions []string) (map[string][]CodeChunk, error) {
	if len(extensions) == 0 {
		extensions = []string{".py"}
	}

	info, err := os.Stat(projectPath)
	if err != nil || !info.IsDir() {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "project not found: %s", projectPath)
	}

	key := CacheKey(projectPath, extensions)

	e.mu.RLock()
	if entry, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return entry.index, nil
	}
	e.mu.RUnlock()

	// Serialize builds of the same key; losers pick up the winner's
	// cache entry.
	e.mu.Lock()
	buildLock, ok := e.building[key]
	if !ok {
		buildLock = &sync.Mutex{}
		e.building[key] = buildLock
	}
	e.mu.Unlock()

	buildLock.Lock()
	defer buildLock.Unlock()

	e.mu.RLock()
	if entry, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return entry.index, nil
	}
	e.mu.RUnlock()

	index, err := e.buildIndex(projectPath, extensions)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{projectPath: absPath(projectPath), index: index}
	e.mu.Unlock()

	e.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"project indexed").
		WithPayload("project", projectPath).
		WithPayload("files", len(index)))

	return index, nil
}

func (e *Engine) buildIndex(projectPath string, extensions []string) (map[string][]CodeChunk, error) {
	wanted := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		wanted[strings.ToLower(ext)] = struct{}{}
	}

	index := make(map[string][]CodeChunk)

	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path == projectPath {
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, skip := skipDirs[name]; skip {
				return filepath.SkipDir
			}
			return nil
		}

		if _, ok := wanted[strings.ToLower(filepath.Ext(name))]; !ok {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxIndexedFileSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			// Unreadable files are skipped, not fatal.
			return nil
		}

		rel, err := filepath.Rel(projectPath, path)
		if err != nil {
			rel = path
		}

		chunks := e.chunker.ChunkFile(rel, string(content))
		if len(chunks) > 0 {
			index[rel] = chunks
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project: %w", err)
	}

	return index, nil
}

// GetContext returns a prompt-sized context for the query, at most the
// configured token budget (plus formatting frames).
func (e *Engine) GetContext(query, projectPath string, extensions []string) (string, error) {
	index, err := e.IndexProject(projectPath, extensions)
	if err != nil {
		return "", err
	}

	var all []CodeChunk
	for _, chunks := range index {
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return "", nil
	}

	// Deterministic chunk order regardless of map iteration.
	sort.Slice(all, func(i, j int) bool {
		if all[i].FilePath != all[j].FilePath {
			return all[i].FilePath < all[j].FilePath
		}
		return all[i].StartLine < all[j].StartLine
	})

	scored := e.scorer.Score(query, all)
	context := e.composer.Compose(scored)

	if context == "" {
		e.log.Emit(logging.NewEvent(logging.LevelWarning, logging.SourceInfrastructure,
			"no chunks fit the context budget").
			WithPayload("query", query).
			WithPayload("chunks", len(all)))
	}

	return context, nil
}

// Invalidate drops the cached index for one (project, extensions) pair.
func (e *Engine) Invalidate(projectPath string, extensions []string) {
	key := CacheKey(projectPath, extensions)

	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
}

// InvalidateUnder drops every cached index whose project path is root or
// lives under it, regardless of extension set. The watcher calls this
// when files below its root change. Returns how many indices were
// dropped.
func (e *Engine) InvalidateUnder(root string) int {
	rootAbs := absPath(root)
	prefix := rootAbs + string(filepath.Separator)

	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for key, entry := range e.cache {
		if entry.projectPath == rootAbs || strings.HasPrefix(entry.projectPath, prefix) {
			delete(e.cache, key)
			dropped++
		}
	}
	return dropped
}

// CachedProjects returns the number of cached indices.
func (e *Engine) CachedProjects() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
