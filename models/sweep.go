package models

import "time"

// SweepStatus is the content of the sweep status file.
type SweepStatus struct {
	LastUpdated time.Time              `json:"last_updated"`
	Guilds      map[string]*GuildSweep `json:"guilds"`
}

// GuildSweep records the outcome of the latest sweep of one guild.
type GuildSweep struct {
	LastSweep time.Time `json:"last_sweep"`
	Forums    int       `json:"forums"`
	Threads   int       `json:"threads"`
	Deleted   int       `json:"deleted"`
	Recovered int       `json:"recovered"`
	Status    string    `json:"status"` // "ok", "partial" or "skipped"
}

// CleanupResult summarises one cleanup or recovery pass over a forum.
type CleanupResult struct {
	Evaluated int
	Deleted   int
	Messages  int // messages queued for deletion by the REGEX rule
	Recovered int
}

// Add accumulates another result.
func (r *CleanupResult) Add(o CleanupResult) {
	r.Evaluated += o.Evaluated
	r.Deleted += o.Deleted
	r.Messages += o.Messages
	r.Recovered += o.Recovered
}
