package dbadmin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/forge/pkg/apperr"
)

type adminFixture struct {
	admin            *Admin
	conversationsDir string
	vectorDir        string
	backupsDir       string
}

func newFixture(t *testing.T) *adminFixture {
	t.Helper()
	base := t.TempDir()

	conversationsDir := filepath.Join(base, "output", "conversations")
	vectorDir := filepath.Join(base, "chromem")
	backupsDir := filepath.Join(base, "output", "backups")

	require.NoError(t, os.MkdirAll(conversationsDir, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(vectorDir, "task_experience"), 0755))

	writeConversation(t, conversationsDir, "conv-1", time.Now().UTC())
	require.NoError(t, os.WriteFile(
		filepath.Join(vectorDir, "task_experience", "00001"), []byte("vector data"), 0644))

	admin := New(Config{
		ConversationsDir: conversationsDir,
		VectorDir:        vectorDir,
		BackupsDir:       backupsDir,
	}, nil)

	return &adminFixture{admin: admin, conversationsDir: conversationsDir, vectorDir: vectorDir, backupsDir: backupsDir}
}

func writeConversation(t *testing.T, dir, id string, updatedAt time.Time) {
	t.Helper()
	doc := map[string]any{
		"id":         id,
		"messages":   []any{},
		"created_at": updatedAt,
		"updated_at": updatedAt,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0644))
}

func TestAdmin_Discover(t *testing.T) {
	fix := newFixture(t)

	stores := fix.admin.Discover()
	require.Len(t, stores, 2)

	byName := map[string]StoreInfo{}
	for _, s := range stores {
		byName[s.Name] = s
	}

	conv := byName["conversations"]
	assert.Equal(t, TypeConversations, conv.Type)
	assert.Equal(t, 1, conv.Items)

	vec := byName["vector:task_experience"]
	assert.Equal(t, TypeVector, vec.Type)
	assert.Positive(t, vec.SizeBytes)
}

func TestAdmin_Stats(t *testing.T) {
	fix := newFixture(t)

	stats := fix.admin.Stats()
	assert.Len(t, stats.Stores, 2)
	assert.Positive(t, stats.TotalBytes)
	assert.Zero(t, stats.Backups)
}

func TestAdmin_BackupAndRestore(t *testing.T) {
	fix := newFixture(t)

	backupPath, err := fix.admin.Backup("conversations", "conv_backup")
	require.NoError(t, err)
	assert.DirExists(t, backupPath)
	assert.FileExists(t, filepath.Join(fix.backupsDir, "conv_backup.metadata.json"))

	// Mutate the live store, then restore the backup.
	require.NoError(t, os.Remove(filepath.Join(fix.conversationsDir, "conv-1.json")))
	require.NoError(t, fix.admin.Restore(backupPath, ""))
	assert.FileExists(t, filepath.Join(fix.conversationsDir, "conv-1.json"))

	// The restore took a safety backup of the pre-restore state.
	backups, err := fix.admin.ListBackups()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(backups), 2)
}

func TestAdmin_BackupUnknownStore(t *testing.T) {
	fix := newFixture(t)

	_, err := fix.admin.Backup("nope", "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAdmin_RestoreMissingBackup(t *testing.T) {
	fix := newFixture(t)

	err := fix.admin.Restore(filepath.Join(fix.backupsDir, "ghost"), "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAdmin_BackupAll(t *testing.T) {
	fix := newFixture(t)

	paths, err := fix.admin.BackupAll()
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestAdmin_CleanupDryRunByDefault(t *testing.T) {
	fix := newFixture(t)

	old := time.Now().UTC().AddDate(0, 0, -30)
	writeConversation(t, fix.conversationsDir, "conv-old", old)

	report, err := fix.admin.Cleanup(7, false)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Contains(t, report.Candidates, "conv-old.json")
	assert.NotContains(t, report.Candidates, "conv-1.json")
	assert.Zero(t, report.Deleted)
	// Nothing was actually removed.
	assert.FileExists(t, filepath.Join(fix.conversationsDir, "conv-old.json"))
}

func TestAdmin_CleanupExecute(t *testing.T) {
	fix := newFixture(t)

	old := time.Now().UTC().AddDate(0, 0, -30)
	writeConversation(t, fix.conversationsDir, "conv-old", old)

	report, err := fix.admin.Cleanup(7, true)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Deleted)
	_, statErr := os.Stat(filepath.Join(fix.conversationsDir, "conv-old.json"))
	assert.True(t, os.IsNotExist(statErr))
	assert.FileExists(t, filepath.Join(fix.conversationsDir, "conv-1.json"))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.0 KB", FormatSize(1024))
	assert.Equal(t, "1.5 MB", FormatSize(3*1024*1024/2))
}

func TestListBackups_Ordering(t *testing.T) {
	fix := newFixture(t)

	for i := 0; i < 3; i++ {
		_, err := fix.admin.Backup("conversations", fmt.Sprintf("b%d", i))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	backups, err := fix.admin.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.True(t, backups[0].CreatedAt.After(backups[2].CreatedAt) || backups[0].CreatedAt.Equal(backups[2].CreatedAt))
}
