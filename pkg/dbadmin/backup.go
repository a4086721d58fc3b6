package dbadmin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/forge/pkg/apperr"
	"github.com/ternarybob/forge/pkg/logging"
)

// BackupMetadata accompanies every backup as <name>.metadata.json.
type BackupMetadata struct {
	StoreName    string    `json:"store_name"`
	StoreType    string    `json:"store_type"`
	OriginalPath string    `json:"original_path"`
	CreatedAt    time.Time `json:"created_at"`
	SizeBytes    int64     `json:"size_bytes"`
}

// Backup copies one store into the backups directory and writes its
// metadata. An empty backupName derives one from the store and time.
func (a *Admin) Backup(storeName, backupName string) (string, error) {
	store, err := a.Find(storeName)
	if err != nil {
		return "", err
	}

	if backupName == "" {
		backupName = fmt.Sprintf("%s_%s",
			sanitizeName(storeName), time.Now().UTC().Format("20060102_150405"))
	}

	backupPath := filepath.Join(a.backupsDir, backupName)
	if err := os.MkdirAll(a.backupsDir, 0755); err != nil {
		return "", fmt.Errorf("create backups directory: %w", err)
	}

	// A stale partial backup with the same name is replaced.
	if err := os.RemoveAll(backupPath); err != nil {
		return "", fmt.Errorf("clear existing backup: %w", err)
	}
	if err := copyTree(store.Path, backupPath); err != nil {
		return "", fmt.Errorf("copy store: %w", err)
	}

	meta := BackupMetadata{
		StoreName:    store.Name,
		StoreType:    store.Type,
		OriginalPath: store.Path,
		CreatedAt:    time.Now().UTC(),
		SizeBytes:    store.SizeBytes,
	}
	if err := writeMetadata(filepath.Join(a.backupsDir, backupName+".metadata.json"), meta); err != nil {
		return "", err
	}

	a.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"store backed up").
		WithPayload("store", store.Name).
		WithPayload("backup", backupPath).
		WithPayload("size", FormatSize(store.SizeBytes)))

	return backupPath, nil
}

// BackupAll backs up every discovered store; returns created paths.
func (a *Admin) BackupAll() ([]string, error) {
	stores := a.Discover()
	if len(stores) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "no stores found to back up")
	}

	var paths []string
	for _, store := range stores {
		path, err := a.Backup(store.Name, "")
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Restore puts a backup back in place. targetStore may rename the
// destination store; empty restores to the original. A safety backup of
// the current state is taken first.
func (a *Admin) Restore(backupPath, targetStore string) error {
	meta, err := readMetadata(backupPath + ".metadata.json")
	if err != nil {
		return err
	}

	if _, err := os.Stat(backupPath); err != nil {
		return apperr.Newf(apperr.KindNotFound, "backup not found: %s", backupPath)
	}

	storeName := meta.StoreName
	if targetStore != "" {
		storeName = targetStore
	}

	targetPath := meta.OriginalPath
	if targetStore != "" {
		if store, err := a.Find(targetStore); err == nil {
			targetPath = store.Path
		} else {
			return err
		}
	}

	// Keep a pre-restore copy of whatever is there now.
	if _, err := os.Stat(targetPath); err == nil {
		safetyName := fmt.Sprintf("%s_before_restore_%s",
			sanitizeName(storeName), time.Now().UTC().Format("20060102_150405"))
		if _, err := a.Backup(storeName, safetyName); err != nil {
			return fmt.Errorf("safety backup: %w", err)
		}
	}

	if err := os.RemoveAll(targetPath); err != nil {
		return fmt.Errorf("clear target: %w", err)
	}
	if err := copyTree(backupPath, targetPath); err != nil {
		return fmt.Errorf("restore copy: %w", err)
	}

	a.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"store restored").
		WithPayload("store", storeName).
		WithPayload("backup", backupPath))

	return nil
}

// ListBackups returns metadata for every backup, newest first.
func (a *Admin) ListBackups() ([]BackupMetadata, error) {
	entries, err := os.ReadDir(a.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups directory: %w", err)
	}

	var backups []BackupMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMetadata(filepath.Join(a.backupsDir, e.Name()+".metadata.json"))
		if err != nil {
			continue
		}
		backups = append(backups, meta)
	}

	for i := 0; i < len(backups); i++ {
		for j := i + 1; j < len(backups); j++ {
			if backups[j].CreatedAt.After(backups[i].CreatedAt) {
				backups[i], backups[j] = backups[j], backups[i]
			}
		}
	}
	return backups, nil
}

func writeMetadata(path string, meta BackupMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func readMetadata(path string) (BackupMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BackupMetadata{}, apperr.Newf(apperr.KindNotFound, "backup metadata not found: %s", path)
	}

	var meta BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return BackupMetadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	return meta, nil
}

func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
