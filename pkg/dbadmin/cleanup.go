package dbadmin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/forge/pkg/logging"
)

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	Candidates []string `json:"candidates"`
	Deleted    int      `json:"deleted"`
	DryRun     bool     `json:"dry_run"`
}

// Cleanup removes conversation files idle for more than days. Without
// execute it only reports what would be deleted.
func (a *Admin) Cleanup(days int, execute bool) (CleanupReport, error) {
	report := CleanupReport{DryRun: !execute}
	if a.conversationsDir == "" {
		return report, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	entries, err := os.ReadDir(a.conversationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(a.conversationsDir, e.Name())

		if !conversationIdleSince(path, cutoff) {
			continue
		}
		report.Candidates = append(report.Candidates, e.Name())

		if execute {
			if err := os.Remove(path); err == nil {
				report.Deleted++
			}
		}
	}

	a.log.Emit(logging.NewEvent(logging.LevelInfo, logging.SourceInfrastructure,
		"conversation cleanup pass").
		WithPayload("candidates", len(report.Candidates)).
		WithPayload("deleted", report.Deleted).
		WithPayload("dry_run", report.DryRun))

	return report, nil
}

// conversationIdleSince reads the conversation's updated_at; files that
// cannot be parsed fall back to their modification time.
func conversationIdleSince(path string, cutoff time.Time) bool {
	data, err := os.ReadFile(path)
	if err == nil {
		var doc struct {
			UpdatedAt time.Time `json:"updated_at"`
		}
		if json.Unmarshal(data, &doc) == nil && !doc.UpdatedAt.IsZero() {
			return doc.UpdatedAt.UTC().Before(cutoff)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().UTC().Before(cutoff)
}
