// Package dbadmin backs the administration CLI: discovery, statistics,
// backup, restore and cleanup of the persisted stores.
package dbadmin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/logging"
)

// Store types.
const (
	TypeVector        = "vector"
	TypeConversations = "conversations"
	TypeCache         = "cache"
)

// StoreInfo describes one discovered persisted store.
type StoreInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Items     int    `json:"items"`
}

// Admin operates on the persisted stores under one data directory.
type Admin struct {
	conversationsDir string
	vectorDir        string
	cacheDirs        []string
	backupsDir       string

	log *logging.Manager
}

// Config locates the stores.
type Config struct {
	// ConversationsDir holds one JSON file per conversation.
	ConversationsDir string

	// VectorDir is the chromem persistence root (one directory per
	// collection).
	VectorDir string

	// CacheDirs are additional cache directories worth reporting.
	CacheDirs []string

	// BackupsDir receives backups (default "output/backups").
	BackupsDir string
}

// New creates an admin.
func New(cfg Config, log *logging.Manager) *Admin {
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join("output", "backups")
	}
	if log == nil {
		log = logging.Default()
	}
	return &Admin{
		conversationsDir: cfg.ConversationsDir,
		vectorDir:        cfg.VectorDir,
		cacheDirs:        cfg.CacheDirs,
		backupsDir:       cfg.BackupsDir,
		log:              log,
	}
}

// Discover lists every existing store.
func (a *Admin) Discover() []StoreInfo {
	var stores []StoreInfo

	if info := a.describeDir("conversations", TypeConversations, a.conversationsDir); info != nil {
		stores = append(stores, *info)
	}

	// Each subdirectory of the vector root is one collection.
	if a.vectorDir != "" {
		entries, err := os.ReadDir(a.vectorDir)
		if err == nil {
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				if info := a.describeDir("vector:"+e.Name(), TypeVector, filepath.Join(a.vectorDir, e.Name())); info != nil {
					stores = append(stores, *info)
				}
			}
		}
	}

	for _, dir := range a.cacheDirs {
		if info := a.describeDir("cache:"+filepath.Base(dir), TypeCache, dir); info != nil {
			stores = append(stores, *info)
		}
	}

	sort.Slice(stores, func(i, j int) bool { return stores[i].Name < stores[j].Name })
	return stores
}

// Stats aggregates discovery into totals.
type Stats struct {
	Stores     []StoreInfo `json:"stores"`
	TotalBytes int64       `json:"total_bytes"`
	TotalItems int         `json:"total_items"`
	Backups    int         `json:"backups"`
}

// Stats summarizes all stores and existing backups.
func (a *Admin) Stats() Stats {
	stores := a.Discover()

	s := Stats{Stores: stores}
	for _, st := range stores {
		s.TotalBytes += st.SizeBytes
		s.TotalItems += st.Items
	}

	if entries, err := os.ReadDir(a.backupsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				s.Backups++
			}
		}
	}
	return s
}

// Find returns the store with the given name.
func (a *Admin) Find(name string) (StoreInfo, error) {
	for _, st := range a.Discover() {
		if st.Name == name {
			return st, nil
		}
	}
	return StoreInfo{}, apperr.Newf(apperr.KindNotFound, "store %q not found", name)
}

func (a *Admin) describeDir(name, storeType, dir string) *StoreInfo {
	if dir == "" {
		return nil
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		return nil
	}

	var size int64
	items := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		// Conversations count JSON documents; other stores count files.
		if storeType != TypeConversations || strings.HasSuffix(path, ".json") {
			items++
		}
		return nil
	})

	return &StoreInfo{Name: name, Type: storeType, Path: dir, SizeBytes: size, Items: items}
}

// copyTree copies a directory recursively.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}

// FormatSize renders bytes human-readably.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
