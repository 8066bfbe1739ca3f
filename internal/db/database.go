package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	dateLayout       = "2006-01-02"
	defaultPageLimit = 20
	maxPageLimit     = 200
)

// Service is the token store. Every backend implements the same operations so the
// medium stays an implementation detail of the deployment.
type Service interface {
	CreateToken(params CreateTokenParams) (*model.Token, error)
	// FindToken returns nil, nil when the token does not exist.
	FindToken(token string) (*model.Token, error)
	UpdateToken(token string, update model.TokenUpdate) (*model.Token, error)
	DeleteToken(token string) (bool, error)
	ListTokens(page, limit int, status string) ([]model.Token, int64, error)
	TouchToken(token string) error
	SetTunnelURL(token, tunnelURL string) (*model.Token, error)
	ClearTunnelURL(token string) (bool, error)
	UsageToday(token string) (*model.UsageRecord, error)
	UsageMonth(token string) (model.UsageTotals, error)
	IncrementUsage(token string, promptTokens, completionTokens int64) error
	PruneUsageBefore(date time.Time) (int64, error)
	GetDB() *gorm.DB
	Close() error
}

// CreateTokenParams carries the client-supplied provenance of a new token.
type CreateTokenParams struct {
	Platform  string
	InstallID string
	Version   string
	Meta      any
}

// Option customizes a gormService.
type Option func(*gormService)

// WithDefaultLimits sets the quota assigned to newly created tokens.
func WithDefaultLimits(daily, monthly int) Option {
	return func(s *gormService) {
		if daily > 0 {
			s.dailyLimit = daily
		}
		if monthly > 0 {
			s.monthlyLimit = monthly
		}
	}
}

// WithClock replaces the time source used for day and month boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *gormService) {
		s.now = now
	}
}

type gormService struct {
	db           *gorm.DB
	dailyLimit   int
	monthlyLimit int
	now          func() time.Time
}

// NewService opens the configured database, migrates the schema and returns the store.
func NewService(cfg config.DatabaseConfig, opts ...Option) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// SQLite has a single writer, and every in-memory connection is its own database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&model.Token{}, &model.UsageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	s := &gormService{
		db:           db,
		dailyLimit:   config.DefaultDailyLimit,
		monthlyLimit: config.DefaultMonthlyLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateToken returns a fresh opaque token value.
func GenerateToken() string {
	return "ocp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

func (s *gormService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormService) nowUTC() time.Time {
	return s.now().UTC()
}

func (s *gormService) CreateToken(params CreateTokenParams) (*model.Token, error) {
	token := &model.Token{
		Token:        GenerateToken(),
		Status:       model.StatusActive,
		Platform:     params.Platform,
		InstallID:    params.InstallID,
		DailyLimit:   s.dailyLimit,
		MonthlyLimit: s.monthlyLimit,
		CreatedAt:    s.nowUTC(),
	}
	if params.Version != "" {
		version := params.Version
		token.Version = &version
	}
	if params.Meta != nil {
		raw, err := json.Marshal(params.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode token meta: %w", err)
		}
		meta := string(raw)
		token.Meta = &meta
	}

	if err := s.db.Create(token).Error; err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

func (s *gormService) FindToken(token string) (*model.Token, error) {
	return findToken(s.db, token)
}

func findToken(tx *gorm.DB, token string) (*model.Token, error) {
	var record model.Token
	err := tx.Where("token = ?", token).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find token: %w", err)
	}
	return &record, nil
}

func (s *gormService) UpdateToken(token string, update model.TokenUpdate) (*model.Token, error) {
	var updated *model.Token
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := findToken(tx, token)
		if err != nil || existing == nil {
			return err
		}
		if update.Empty() {
			updated = existing
			return nil
		}

		fields := map[string]any{}
		if update.Status != nil {
			fields["status"] = *update.Status
		}
		if update.DailyLimit != nil {
			fields["daily_limit"] = *update.DailyLimit
		}
		if update.MonthlyLimit != nil {
			fields["monthly_limit"] = *update.MonthlyLimit
		}
		if err := tx.Model(&model.Token{}).Where("token = ?", token).Updates(fields).Error; err != nil {
			return fmt.Errorf("failed to update token: %w", err)
		}
		updated, err = findToken(tx, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteToken removes the token together with all of its usage records.
func (s *gormService) DeleteToken(token string) (bool, error) {
	var deleted bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token = ?", token).Delete(&model.UsageRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete usage records: %w", err)
		}
		result := tx.Where("token = ?", token).Delete(&model.Token{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete token: %w", result.Error)
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// ListTokens returns one page of tokens, newest first, and the total matching count.
func (s *gormService) ListTokens(page, limit int, status string) ([]model.Token, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	query := func() *gorm.DB {
		q := s.db.Model(&model.Token{})
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tokens: %w", err)
	}

	var tokens []model.Token
	err := query().Order("created_at desc").Order("token asc").
		Offset((page - 1) * limit).Limit(limit).
		Find(&tokens).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, total, nil
}

func (s *gormService) TouchToken(token string) error {
	result := s.db.Model(&model.Token{}).Where("token = ?", token).UpdateColumn("last_used_at", s.nowUTC())
	if result.Error != nil {
		return fmt.Errorf("failed to touch token: %w", result.Error)
	}
	return nil
}

// SetTunnelURL overwrites the tunnel binding. It returns nil, nil when the token does not exist.
func (s *gormService) SetTunnelURL(token, tunnelURL string) (*model.Token, error) {
	var updated *model.Token
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := findToken(tx, token)
		if err != nil || existing == nil {
			return err
		}
		err = tx.Model(&model.Token{}).Where("token = ?", token).UpdateColumns(map[string]any{
			"tunnel_url":        tunnelURL,
			"tunnel_updated_at": s.nowUTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to set tunnel url: %w", err)
		}
		updated, err = findToken(tx, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClearTunnelURL removes the tunnel binding and reports whether the token exists.
func (s *gormService) ClearTunnelURL(token string) (bool, error) {
	var found bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := findToken(tx, token)
		if err != nil || existing == nil {
			return err
		}
		found = true
		err = tx.Model(&model.Token{}).Where("token = ?", token).UpdateColumns(map[string]any{
			"tunnel_url":        nil,
			"tunnel_updated_at": s.nowUTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to clear tunnel url: %w", err)
		}
		return nil
	})
	return found, err
}

// UsageToday returns the usage record for the current UTC day, or nil when none exists yet.
func (s *gormService) UsageToday(token string) (*model.UsageRecord, error) {
	var record model.UsageRecord
	err := s.db.Where("token = ? AND date = ?", token, s.nowUTC().Format(dateLayout)).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load today's usage: %w", err)
	}
	return &record, nil
}

// UsageMonth sums the usage records from the first day of the current UTC month through today.
func (s *gormService) UsageMonth(token string) (model.UsageTotals, error) {
	now := s.nowUTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(dateLayout)

	var totals model.UsageTotals
	err := s.db.Model(&model.UsageRecord{}).
		Select("COALESCE(SUM(request_count), 0) AS request_count, "+
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, "+
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens").
		Where("token = ? AND date >= ? AND date <= ?", token, start, now.Format(dateLayout)).
		Scan(&totals).Error
	if err != nil {
		return model.UsageTotals{}, fmt.Errorf("failed to load monthly usage: %w", err)
	}
	return totals, nil
}

// IncrementUsage credits one request and the given token counts to today's record
// with a single upsert, so concurrent increments for the same token never lose updates.
func (s *gormService) IncrementUsage(token string, promptTokens, completionTokens int64) error {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	record := model.UsageRecord{
		Token:            token,
		Date:             s.nowUTC().Format(dateLayout),
		RequestCount:     1,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"request_count":     gorm.Expr("usage_records.request_count + ?", 1),
			"prompt_tokens":     gorm.Expr("usage_records.prompt_tokens + ?", promptTokens),
			"completion_tokens": gorm.Expr("usage_records.completion_tokens + ?", completionTokens),
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// PruneUsageBefore deletes usage records for days strictly before the given UTC date.
func (s *gormService) PruneUsageBefore(date time.Time) (int64, error) {
	cutoff := date.UTC().Format(dateLayout)
	result := s.db.Where("date < ?", cutoff).Delete(&model.UsageRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
