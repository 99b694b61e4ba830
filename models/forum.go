package models

import (
	"fmt"
	"regexp"
	"strings"
)

// PatternCategory classifies how a pattern is applied to message content.
type PatternCategory string

const (
	CategoryBlacklist PatternCategory = "BLACKLIST" // literal, case-insensitive substring
	CategoryBlock     PatternCategory = "BLOCK"     // regex, blocks on match
	CategoryWarn      PatternCategory = "WARN"      // regex, warns but allows
	CategoryRequired  PatternCategory = "REQUIRED"  // regex, blocks when absent
)

// ParsePatternCategory accepts a category name in any case.
func ParsePatternCategory(s string) (PatternCategory, error) {
	switch c := PatternCategory(strings.ToUpper(strings.TrimSpace(s))); c {
	case CategoryBlacklist, CategoryBlock, CategoryWarn, CategoryRequired:
		return c, nil
	}
	return "", fmt.Errorf("unknown pattern category %q", s)
}

// IsRegex reports whether patterns of this category are regular expressions.
func (c PatternCategory) IsRegex() bool {
	return c != CategoryBlacklist
}

// CleanupKey enables one cleanup behavior for a forum.
type CleanupKey string

const (
	CleanupAbandoned CleanupKey = "ABANDONED"
	CleanupOld       CleanupKey = "OLD"
	CleanupRegex     CleanupKey = "REGEX"
	CleanupMissing   CleanupKey = "MISSING"
)

// ParseCleanupKey accepts a cleanup key in any case.
func ParseCleanupKey(s string) (CleanupKey, error) {
	switch k := CleanupKey(strings.ToUpper(strings.TrimSpace(s))); k {
	case CleanupAbandoned, CleanupOld, CleanupRegex, CleanupMissing:
		return k, nil
	}
	return "", fmt.Errorf("unknown cleanup key %q", s)
}

// ForumConfig is the moderation configuration of one registered forum channel.
type ForumConfig struct {
	ID                string `db:"id"`
	GuildID           string `db:"server_id"`
	Name              string `db:"name"`
	MinimumCharacters int    `db:"minimum_characters"`
	Duplicates        bool   `db:"duplicates"`

	Patterns     []Pattern     `db:"-"`
	CleanupRules []CleanupRule `db:"-"`
}

// PatternsOf returns the forum's patterns of one category in storage order.
func (f *ForumConfig) PatternsOf(c PatternCategory) []Pattern {
	var out []Pattern
	for _, p := range f.Patterns {
		if p.Category == c {
			out = append(out, p)
		}
	}
	return out
}

// CleanupRule returns the rule stored under key, or nil when the behavior is disabled.
func (f *ForumConfig) CleanupRule(key CleanupKey) *CleanupRule {
	for i := range f.CleanupRules {
		if f.CleanupRules[i].Key == key {
			return &f.CleanupRules[i]
		}
	}
	return nil
}

// CleanupRulesOf returns every rule stored under key. Only REGEX may hold more than one.
func (f *ForumConfig) CleanupRulesOf(key CleanupKey) []CleanupRule {
	var out []CleanupRule
	for _, r := range f.CleanupRules {
		if r.Key == key {
			out = append(out, r)
		}
	}
	return out
}

// Pattern is a tenant-configured literal or regex rule.
type Pattern struct {
	ID       int64           `db:"id"`
	ForumID  string          `db:"forum_id"`
	Name     string          `db:"name"`
	Pattern  string          `db:"pattern"`
	Category PatternCategory `db:"action"`
}

// CleanupRule is a retention policy entry. Days is only used by OLD, Extra only by REGEX, where
// each rule carries one expression.
type CleanupRule struct {
	ID      int64      `db:"id"`
	ForumID string     `db:"forum_id"`
	Key     CleanupKey `db:"rule_key"`
	Days    int        `db:"days"`
	Extra   string     `db:"extra"`
}

// GuildSettings holds the per-guild toggles read by the sweep.
type GuildSettings struct {
	GuildID             string `db:"id"`
	Name                string `db:"name"`
	Premium             bool   `db:"premium"`
	CleanupEnabled      bool   `db:"cleanup_enabled"`
	RestoreArchived     bool   `db:"restore_archived"`
	CleanupLogChannelID string `db:"cleanup_log_channel"`
}

// PatternLimits bounds what tenants may store.
type PatternLimits struct {
	FreePatterns   int `mapstructure:"free_patterns"`
	RegexMinLength int `mapstructure:"regex_min_length"`
	RegexMaxLength int `mapstructure:"regex_max_length"`
}

// DefaultPatternLimits mirrors the values shipped in config.yaml.
var DefaultPatternLimits = PatternLimits{
	FreePatterns:   15,
	RegexMinLength: 5,
	RegexMaxLength: 100,
}

// Validate checks a pattern against the limits. Regex categories must compile.
func (l PatternLimits) Validate(p Pattern) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("pattern name is empty")
	}
	if strings.TrimSpace(p.Pattern) == "" {
		return fmt.Errorf("pattern %q is empty", p.Name)
	}
	if !p.Category.IsRegex() {
		return nil
	}
	if n := len(p.Pattern); n < l.RegexMinLength || n > l.RegexMaxLength {
		return fmt.Errorf("pattern %q must be between %d and %d characters, got %d",
			p.Name, l.RegexMinLength, l.RegexMaxLength, n)
	}
	if _, err := regexp.Compile(p.Pattern); err != nil {
		return fmt.Errorf("pattern %q does not compile: %w", p.Name, err)
	}
	return nil
}
