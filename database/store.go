package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"forum-automod/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	ErrForumNotFound    = errors.New("forum is not registered")
	ErrPatternLimit     = errors.New("pattern limit reached")
	ErrInvalidPattern   = errors.New("invalid pattern")
	ErrDuplicatePattern = errors.New("a pattern with this name already exists")
)

// Store is the pattern store: forum configuration, patterns, cleanup rules and guild settings.
type Store struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	limits  models.PatternLimits
	logger  *zap.Logger
}

// NewStore wraps an open database.
func NewStore(db *sqlx.DB, limits models.PatternLimits, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		builder: newBuilder(),
		limits:  limits,
		logger:  logger,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetForumConfig loads a forum with its patterns and cleanup rules. It returns nil, nil when the
// forum is not registered.
func (s *Store) GetForumConfig(ctx context.Context, forumID string) (*models.ForumConfig, error) {
	var forum models.ForumConfig
	err := s.getBuilder(ctx, &forum, s.builder.
		Select("id", "server_id", "name", "minimum_characters", "duplicates").
		From("forums").
		Where(sq.Eq{"id": forumID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forum %s: %w", forumID, err)
	}

	if err := s.selectBuilder(ctx, &forum.Patterns, s.patternQuery().
		Where(sq.Eq{"forum_id": forumID})); err != nil {
		return nil, fmt.Errorf("failed to get patterns of forum %s: %w", forumID, err)
	}
	rules, err := s.ListCleanupRules(ctx, forumID)
	if err != nil {
		return nil, err
	}
	forum.CleanupRules = rules
	return &forum, nil
}

// ForumIDs returns the ids of the registered forums of a guild.
func (s *Store) ForumIDs(ctx context.Context, guildID string) ([]string, error) {
	ids := []string{}
	if err := s.selectBuilder(ctx, &ids, s.builder.
		Select("id").
		From("forums").
		Where(sq.Eq{"server_id": guildID}).
		OrderBy("id")); err != nil {
		return nil, fmt.Errorf("failed to list forums of guild %s: %w", guildID, err)
	}
	return ids, nil
}

// AllForums loads every registered forum with its patterns and rules.
func (s *Store) AllForums(ctx context.Context) ([]*models.ForumConfig, error) {
	var ids []string
	if err := s.selectBuilder(ctx, &ids, s.builder.
		Select("id").
		From("forums").
		OrderBy("server_id", "id")); err != nil {
		return nil, fmt.Errorf("failed to list forums: %w", err)
	}

	forums := make([]*models.ForumConfig, 0, len(ids))
	for _, id := range ids {
		forum, err := s.GetForumConfig(ctx, id)
		if err != nil {
			return nil, err
		}
		if forum != nil {
			forums = append(forums, forum)
		}
	}
	return forums, nil
}

// AddForum registers a forum. The owning guild is created with default settings if needed.
func (s *Store) AddForum(ctx context.Context, forum models.ForumConfig) error {
	if _, err := s.execBuilder(ctx, s.builder.
		Insert("servers").
		Columns("id").
		Values(forum.GuildID).
		Suffix("ON CONFLICT (id) DO NOTHING")); err != nil {
		return fmt.Errorf("failed to register guild %s: %w", forum.GuildID, err)
	}

	if _, err := s.execBuilder(ctx, s.builder.
		Insert("forums").
		Columns("id", "server_id", "name", "minimum_characters", "duplicates").
		Values(forum.ID, forum.GuildID, forum.Name, forum.MinimumCharacters, forum.Duplicates)); err != nil {
		return fmt.Errorf("failed to add forum %s: %w", forum.ID, err)
	}
	s.logger.Info("forum registered", zap.String("forum_id", forum.ID), zap.String("guild_id", forum.GuildID))
	return nil
}

// UpdateForum overwrites the name, minimum length and duplicate toggle of a forum.
func (s *Store) UpdateForum(ctx context.Context, forum models.ForumConfig) error {
	n, err := s.execBuilder(ctx, s.builder.
		Update("forums").
		SetMap(map[string]interface{}{
			"name":               forum.Name,
			"minimum_characters": forum.MinimumCharacters,
			"duplicates":         forum.Duplicates,
		}).
		Where(sq.Eq{"id": forum.ID}))
	if err != nil {
		return fmt.Errorf("failed to update forum %s: %w", forum.ID, err)
	}
	if n == 0 {
		return ErrForumNotFound
	}
	return nil
}

// DeleteForum removes a forum and everything configured on it.
func (s *Store) DeleteForum(ctx context.Context, forumID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"forum_patterns", "forum_cleanup"} {
		query, args, err := s.builder.Delete(table).Where(sq.Eq{"forum_id": forumID}).ToSql()
		if err != nil {
			return fmt.Errorf("failed to build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	query, args, err := s.builder.Delete("forums").Where(sq.Eq{"id": forumID}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete forum %s: %w", forumID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrForumNotFound
	}
	return tx.Commit()
}

// AddPattern validates and stores a pattern. The name is lower-cased, and so is a blacklist word.
// Free guilds are held to the configured pattern limit.
func (s *Store) AddPattern(ctx context.Context, p models.Pattern) (*models.Pattern, error) {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	p.Pattern = strings.TrimSpace(p.Pattern)
	if !p.Category.IsRegex() {
		p.Pattern = strings.ToLower(p.Pattern)
	}
	if err := s.limits.Validate(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	var guildID string
	err := s.getBuilder(ctx, &guildID, s.builder.Select("server_id").From("forums").Where(sq.Eq{"id": p.ForumID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrForumNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forum %s: %w", p.ForumID, err)
	}

	premium, err := s.IsPremium(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !premium {
		n, err := s.CountPatterns(ctx, p.ForumID)
		if err != nil {
			return nil, err
		}
		if n >= s.limits.FreePatterns {
			return nil, fmt.Errorf("%w: %d of %d", ErrPatternLimit, n, s.limits.FreePatterns)
		}
	}

	query, args, err := s.builder.
		Insert("forum_patterns").
		Columns("forum_id", "name", "action", "pattern").
		Values(p.ForumID, p.Name, string(p.Category), p.Pattern).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return nil, ErrDuplicatePattern
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add pattern %q: %w", p.Name, err)
	}
	p.ID, _ = res.LastInsertId()
	return &p, nil
}

// RemovePattern deletes a pattern by name and reports whether it existed.
func (s *Store) RemovePattern(ctx context.Context, forumID, name string) (bool, error) {
	n, err := s.execBuilder(ctx, s.builder.
		Delete("forum_patterns").
		Where(sq.Eq{"forum_id": forumID, "name": strings.ToLower(strings.TrimSpace(name))}))
	if err != nil {
		return false, fmt.Errorf("failed to remove pattern %q: %w", name, err)
	}
	return n > 0, nil
}

// PatternsByCategory returns the forum's patterns of one category in storage order.
func (s *Store) PatternsByCategory(ctx context.Context, forumID string, category models.PatternCategory) ([]models.Pattern, error) {
	patterns := []models.Pattern{}
	if err := s.selectBuilder(ctx, &patterns, s.patternQuery().
		Where(sq.Eq{"forum_id": forumID, "action": string(category)})); err != nil {
		return nil, fmt.Errorf("failed to get %s patterns of forum %s: %w", category, forumID, err)
	}
	return patterns, nil
}

// CountPatterns returns how many patterns a forum holds across all categories.
func (s *Store) CountPatterns(ctx context.Context, forumID string) (int, error) {
	var n int
	if err := s.getBuilder(ctx, &n, s.builder.
		Select("COUNT(*)").
		From("forum_patterns").
		Where(sq.Eq{"forum_id": forumID})); err != nil {
		return 0, fmt.Errorf("failed to count patterns of forum %s: %w", forumID, err)
	}
	return n, nil
}

func (s *Store) patternQuery() sq.SelectBuilder {
	return s.builder.
		Select("id", "forum_id", "name", "pattern", "action").
		From("forum_patterns").
		OrderBy("id")
}

// GetCleanupRule returns the first rule stored under key, or nil, nil when the behavior is off.
func (s *Store) GetCleanupRule(ctx context.Context, forumID string, key models.CleanupKey) (*models.CleanupRule, error) {
	var rule models.CleanupRule
	err := s.getBuilder(ctx, &rule, s.cleanupQuery().
		Where(sq.Eq{"forum_id": forumID, "rule_key": string(key)}).
		Limit(1))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s rule of forum %s: %w", key, forumID, err)
	}
	return &rule, nil
}

// ListCleanupRules returns every cleanup rule of a forum in storage order.
func (s *Store) ListCleanupRules(ctx context.Context, forumID string) ([]models.CleanupRule, error) {
	rules := []models.CleanupRule{}
	if err := s.selectBuilder(ctx, &rules, s.cleanupQuery().Where(sq.Eq{"forum_id": forumID})); err != nil {
		return nil, fmt.Errorf("failed to get cleanup rules of forum %s: %w", forumID, err)
	}
	return rules, nil
}

// SetCleanupRule enables a cleanup behavior, updating the day limit of an existing rule.
// A REGEX rule must carry a compilable expression in Extra.
func (s *Store) SetCleanupRule(ctx context.Context, rule models.CleanupRule) error {
	switch rule.Key {
	case models.CleanupOld:
		if rule.Days <= 0 {
			return fmt.Errorf("%w: OLD needs a positive day limit", ErrInvalidPattern)
		}
		rule.Extra = ""
	case models.CleanupRegex:
		if err := s.limits.Validate(models.Pattern{Name: string(rule.Key), Pattern: rule.Extra, Category: models.CategoryBlock}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		rule.Days = 0
	default:
		rule.Days, rule.Extra = 0, ""
	}

	if _, err := s.execBuilder(ctx, s.builder.
		Insert("forum_cleanup").
		Columns("forum_id", "rule_key", "days", "extra").
		Values(rule.ForumID, string(rule.Key), rule.Days, rule.Extra).
		Suffix("ON CONFLICT (forum_id, rule_key, extra) DO UPDATE SET days = excluded.days")); err != nil {
		return fmt.Errorf("failed to set %s rule of forum %s: %w", rule.Key, rule.ForumID, err)
	}
	return nil
}

// RemoveCleanupRule disables a cleanup behavior. For REGEX a non-empty extra removes only that
// expression. It reports how many rules were removed.
func (s *Store) RemoveCleanupRule(ctx context.Context, forumID string, key models.CleanupKey, extra string) (int64, error) {
	where := sq.Eq{"forum_id": forumID, "rule_key": string(key)}
	if key == models.CleanupRegex && extra != "" {
		where["extra"] = extra
	}
	n, err := s.execBuilder(ctx, s.builder.Delete("forum_cleanup").Where(where))
	if err != nil {
		return 0, fmt.Errorf("failed to remove %s rule of forum %s: %w", key, forumID, err)
	}
	return n, nil
}

func (s *Store) cleanupQuery() sq.SelectBuilder {
	return s.builder.
		Select("id", "forum_id", "rule_key", "days", "extra").
		From("forum_cleanup").
		OrderBy("id")
}

// IsPremium reports the premium entitlement of a guild. Unknown guilds are not premium.
func (s *Store) IsPremium(ctx context.Context, guildID string) (bool, error) {
	settings, err := s.GuildSettings(ctx, guildID)
	if err != nil {
		return false, err
	}
	return settings.Premium, nil
}

// GuildSettings returns the stored settings of a guild, or the defaults when none are stored.
func (s *Store) GuildSettings(ctx context.Context, guildID string) (models.GuildSettings, error) {
	settings := models.GuildSettings{GuildID: guildID, CleanupEnabled: true}
	err := s.getBuilder(ctx, &settings, s.builder.
		Select("id", "name", "premium", "cleanup_enabled", "restore_archived", "cleanup_log_channel").
		From("servers").
		Where(sq.Eq{"id": guildID}))
	if errors.Is(err, sql.ErrNoRows) {
		return models.GuildSettings{GuildID: guildID, CleanupEnabled: true}, nil
	}
	if err != nil {
		return models.GuildSettings{}, fmt.Errorf("failed to get settings of guild %s: %w", guildID, err)
	}
	return settings, nil
}

// UpsertGuild stores the settings of a guild.
func (s *Store) UpsertGuild(ctx context.Context, g models.GuildSettings) error {
	if _, err := s.execBuilder(ctx, s.builder.
		Insert("servers").
		Columns("id", "name", "premium", "cleanup_enabled", "restore_archived", "cleanup_log_channel").
		Values(g.GuildID, g.Name, g.Premium, g.CleanupEnabled, g.RestoreArchived, g.CleanupLogChannelID).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			premium = excluded.premium,
			cleanup_enabled = excluded.cleanup_enabled,
			restore_archived = excluded.restore_archived,
			cleanup_log_channel = excluded.cleanup_log_channel`)); err != nil {
		return fmt.Errorf("failed to store settings of guild %s: %w", g.GuildID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
