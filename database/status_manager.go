package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forum-automod/models"
)

// StatusManager keeps the sweep status file.
type StatusManager struct {
	statusFile string
	mutex      sync.Mutex
	status     *models.SweepStatus
}

// NewStatusManager creates a new status manager. An empty path disables Save.
func NewStatusManager(statusFile string) *StatusManager {
	return &StatusManager{
		statusFile: statusFile,
		status: &models.SweepStatus{
			Guilds: make(map[string]*models.GuildSweep),
		},
	}
}

// Record stores the outcome of a guild's sweep.
func (sm *StatusManager) Record(guildID string, sweep models.GuildSweep) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sweep.LastSweep.IsZero() {
		sweep.LastSweep = time.Now()
	}
	sm.status.Guilds[guildID] = &sweep
}

// Guild returns a copy of the last recorded sweep of a guild.
func (sm *StatusManager) Guild(guildID string) (models.GuildSweep, bool) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	g, ok := sm.status.Guilds[guildID]
	if !ok {
		return models.GuildSweep{}, false
	}
	return *g, true
}

// Save commits the current status to the JSON file.
func (sm *StatusManager) Save() error {
	if sm.statusFile == "" {
		return nil
	}
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.status.LastUpdated = time.Now()

	// Ensure the directory exists.
	dir := filepath.Dir(sm.statusFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	data, err := json.MarshalIndent(sm.status, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	// Write the file, overwriting it if it exists.
	if err := os.WriteFile(sm.statusFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}

	return nil
}
