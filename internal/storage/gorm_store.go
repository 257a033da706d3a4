package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/t77yq/alertflow/internal/model"
)

// Config selects the database backing the store
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	LogLevel     string
}

// GormStore implements Store on top of gorm
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema
func Open(cfg Config, logger *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	store := NewGormStore(db, logger)
	if err := store.Migrate(); err != nil {
		return nil, err
	}

	logger.Info("Database connected", zap.String("driver", cfg.Driver))
	return store, nil
}

// NewGormStore wraps an existing gorm handle
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger.Named("store")}
}

// Migrate creates or updates the tables
func (s *GormStore) Migrate() error {
	err := s.db.AutoMigrate(
		&model.Incident{},
		&model.Occurrence{},
		&model.SilenceWindow{},
		&model.TicketRule{},
		&model.RuleMatcher{},
		&model.ChatRule{},
		&model.SmsRule{},
		&model.PhoneBookEntry{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "info":
		return gormlogger.Info
	case "warn":
		return gormlogger.Warn
	case "error":
		return gormlogger.Error
	default:
		return gormlogger.Silent
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

// WithinTx implements Store
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, logger: s.logger})
	})
}

// GetIncident implements Store
func (s *GormStore) GetIncident(ctx context.Context, id uint) (*model.Incident, error) {
	var incident model.Incident
	if err := s.db.WithContext(ctx).First(&incident, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &incident, nil
}

// GetIncidentForUpdate implements Store
func (s *GormStore) GetIncidentForUpdate(ctx context.Context, fingerprint string) (*model.Incident, error) {
	q := s.db.WithContext(ctx)
	if s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var incident model.Incident
	if err := q.Where("fingerprint = ?", fingerprint).First(&incident).Error; err != nil {
		return nil, notFound(err)
	}
	return &incident, nil
}

// CreateIncident implements Store
func (s *GormStore) CreateIncident(ctx context.Context, incident *model.Incident) error {
	if err := s.db.WithContext(ctx).Create(incident).Error; err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// SaveIncident implements Store
func (s *GormStore) SaveIncident(ctx context.Context, incident *model.Incident) error {
	if err := s.db.WithContext(ctx).Save(incident).Error; err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// ListUnresolvedIncidents implements Store
func (s *GormStore) ListUnresolvedIncidents(ctx context.Context) ([]*model.Incident, error) {
	var incidents []*model.Incident
	err := s.db.WithContext(ctx).
		Where("status <> ?", model.StatusResolved).
		Order("id").
		Find(&incidents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return incidents, nil
}

// UpdateSilence implements Store
func (s *GormStore) UpdateSilence(ctx context.Context, id uint, silenced bool, until *time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&model.Incident{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"silenced":       silenced,
			"silenced_until": until,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update silence state: %w", err)
	}
	return nil
}

// SetTicketKey implements Store
func (s *GormStore) SetTicketKey(ctx context.Context, id uint, key string) error {
	err := s.db.WithContext(ctx).
		Model(&model.Incident{}).
		Where("id = ?", id).
		Update("ticket_key", key).Error
	if err != nil {
		return fmt.Errorf("failed to update ticket key: %w", err)
	}
	return nil
}

// ListOccurrences implements Store
func (s *GormStore) ListOccurrences(ctx context.Context, incidentID uint) ([]*model.Occurrence, error) {
	var occurrences []*model.Occurrence
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("started_at, id").
		Find(&occurrences).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	return occurrences, nil
}

// LatestOccurrence implements Store
func (s *GormStore) LatestOccurrence(ctx context.Context, incidentID uint) (*model.Occurrence, error) {
	var occurrence model.Occurrence
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("started_at DESC, id DESC").
		First(&occurrence).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &occurrence, nil
}

// CreateOccurrence implements Store
func (s *GormStore) CreateOccurrence(ctx context.Context, occurrence *model.Occurrence) error {
	if err := s.db.WithContext(ctx).Create(occurrence).Error; err != nil {
		return fmt.Errorf("failed to create occurrence: %w", err)
	}
	return nil
}

// SaveOccurrence implements Store
func (s *GormStore) SaveOccurrence(ctx context.Context, occurrence *model.Occurrence) error {
	if err := s.db.WithContext(ctx).Save(occurrence).Error; err != nil {
		return fmt.Errorf("failed to save occurrence: %w", err)
	}
	return nil
}

// ActiveSilenceWindows implements Store
func (s *GormStore) ActiveSilenceWindows(ctx context.Context, now time.Time) ([]*model.SilenceWindow, error) {
	var windows []*model.SilenceWindow
	err := s.db.WithContext(ctx).
		Where("starts_at <= ? AND ends_at > ?", now, now).
		Find(&windows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active silence windows: %w", err)
	}
	return windows, nil
}

// GetSilenceWindow implements Store
func (s *GormStore) GetSilenceWindow(ctx context.Context, id uint) (*model.SilenceWindow, error) {
	var window model.SilenceWindow
	if err := s.db.WithContext(ctx).First(&window, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &window, nil
}

// ListSilenceWindows implements Store
func (s *GormStore) ListSilenceWindows(ctx context.Context) ([]*model.SilenceWindow, error) {
	var windows []*model.SilenceWindow
	if err := s.db.WithContext(ctx).Order("starts_at DESC").Find(&windows).Error; err != nil {
		return nil, fmt.Errorf("failed to list silence windows: %w", err)
	}
	return windows, nil
}

// CreateSilenceWindow implements Store
func (s *GormStore) CreateSilenceWindow(ctx context.Context, window *model.SilenceWindow) error {
	if err := s.db.WithContext(ctx).Create(window).Error; err != nil {
		return fmt.Errorf("failed to create silence window: %w", err)
	}
	return nil
}

// SaveSilenceWindow implements Store
func (s *GormStore) SaveSilenceWindow(ctx context.Context, window *model.SilenceWindow) error {
	if err := s.db.WithContext(ctx).Save(window).Error; err != nil {
		return fmt.Errorf("failed to save silence window: %w", err)
	}
	return nil
}

// DeleteSilenceWindow implements Store
func (s *GormStore) DeleteSilenceWindow(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.SilenceWindow{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete silence window: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ActiveRules implements Store
func (s *GormStore) ActiveRules(ctx context.Context, family model.RuleFamily) ([]model.Rule, error) {
	q := s.db.WithContext(ctx).Where("active = ?", true)

	var rules []model.Rule
	switch family {
	case model.FamilyTicketing:
		var found []*model.TicketRule
		if err := q.Preload("Matchers").Find(&found).Error; err != nil {
			return nil, fmt.Errorf("failed to list ticket rules: %w", err)
		}
		for _, r := range found {
			rules = append(rules, r)
		}
	case model.FamilyChat:
		var found []*model.ChatRule
		if err := q.Find(&found).Error; err != nil {
			return nil, fmt.Errorf("failed to list chat rules: %w", err)
		}
		for _, r := range found {
			rules = append(rules, r)
		}
	case model.FamilySMS:
		var found []*model.SmsRule
		if err := q.Find(&found).Error; err != nil {
			return nil, fmt.Errorf("failed to list sms rules: %w", err)
		}
		for _, r := range found {
			rules = append(rules, r)
		}
	default:
		return nil, fmt.Errorf("unknown rule family: %s", family)
	}
	return rules, nil
}

// GetRule implements Store
func (s *GormStore) GetRule(ctx context.Context, family model.RuleFamily, id uint) (model.Rule, error) {
	q := s.db.WithContext(ctx)

	var (
		rule model.Rule
		err  error
	)
	switch family {
	case model.FamilyTicketing:
		r := &model.TicketRule{}
		err = q.Preload("Matchers").First(r, id).Error
		rule = r
	case model.FamilyChat:
		r := &model.ChatRule{}
		err = q.First(r, id).Error
		rule = r
	case model.FamilySMS:
		r := &model.SmsRule{}
		err = q.First(r, id).Error
		rule = r
	default:
		return nil, fmt.Errorf("unknown rule family: %s", family)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return rule, nil
}

// CreateRule implements Store
func (s *GormStore) CreateRule(ctx context.Context, rule model.Rule) error {
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create %s rule: %w", rule.Family(), err)
	}
	return nil
}

// FindPhoneNumber implements Store
func (s *GormStore) FindPhoneNumber(ctx context.Context, name string) (string, error) {
	var entry model.PhoneBookEntry
	err := s.db.WithContext(ctx).
		Where("LOWER(name) = LOWER(?)", name).
		First(&entry).Error
	if err != nil {
		return "", notFound(err)
	}
	return entry.PhoneNumber, nil
}

// CreatePhoneBookEntry implements Store
func (s *GormStore) CreatePhoneBookEntry(ctx context.Context, entry *model.PhoneBookEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create phone book entry: %w", err)
	}
	return nil
}
