package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/model"
)

// Delivery is the execution record of one channel task
type Delivery struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Kind        model.TaskKind   `json:"kind"`
	IncidentID  uint             `json:"incident_id"`
	RuleID      uint             `json:"rule_id"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	Status      model.TaskStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// DeliveryHistory records channel task executions
type DeliveryHistory interface {
	// Store stores a delivery record
	Store(ctx context.Context, d *Delivery) error

	// Update updates an existing delivery record
	Update(ctx context.Context, d *Delivery) error

	// Get retrieves a delivery record by ID
	Get(ctx context.Context, id string) (*Delivery, error)

	// List retrieves delivery records with pagination and filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*Delivery, error)

	// Count returns the number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// filterColumns whitelists the columns List and Count may filter on
var filterColumns = map[string]bool{
	"task_id":     true,
	"kind":        true,
	"incident_id": true,
	"rule_id":     true,
	"fingerprint": true,
	"status":      true,
}

const deliveryColumns = `id, task_id, kind, incident_id, rule_id, fingerprint, status, attempts,
	error, started_at, completed_at, duration`

// SQLiteDeliveryHistory implements DeliveryHistory using SQLite
type SQLiteDeliveryHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteDeliveryHistory opens (or creates) the history database at dbPath
func NewSQLiteDeliveryHistory(logger *zap.Logger, dbPath string) (*SQLiteDeliveryHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	h := &SQLiteDeliveryHistory{
		logger: logger.Named("delivery-history"),
		db:     db,
	}

	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return h, nil
}

func (s *SQLiteDeliveryHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS delivery_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			incident_id INTEGER NOT NULL,
			rule_id INTEGER NOT NULL,
			fingerprint TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_task_id ON delivery_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_incident_id ON delivery_history(incident_id);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_status ON delivery_history(status);
		CREATE INDEX IF NOT EXISTS idx_delivery_history_started_at ON delivery_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements DeliveryHistory.Store
func (s *SQLiteDeliveryHistory) Store(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_history (
			id, task_id, kind, incident_id, rule_id, fingerprint, status, attempts, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.TaskID,
		d.Kind,
		d.IncidentID,
		d.RuleID,
		d.Fingerprint,
		d.Status,
		d.Attempts,
		d.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

// Update implements DeliveryHistory.Update
func (s *SQLiteDeliveryHistory) Update(ctx context.Context, d *Delivery) error {
	var completedAt sql.NullTime
	if d.CompletedAt != nil {
		completedAt = sql.NullTime{Time: d.CompletedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_history SET
			status = ?,
			attempts = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		d.Status,
		d.Attempts,
		sql.NullString{String: d.Error, Valid: d.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(d.Duration), Valid: d.Duration != 0},
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d             Delivery
		fingerprint   sql.NullString
		errorStr      sql.NullString
		completedAt   sql.NullTime
		durationNanos sql.NullInt64
	)
	err := row.Scan(
		&d.ID,
		&d.TaskID,
		&d.Kind,
		&d.IncidentID,
		&d.RuleID,
		&fingerprint,
		&d.Status,
		&d.Attempts,
		&errorStr,
		&d.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	d.Fingerprint = fingerprint.String
	d.Error = errorStr.String
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		d.Duration = time.Duration(durationNanos.Int64)
	}
	return &d, nil
}

// Get implements DeliveryHistory.Get
func (s *SQLiteDeliveryHistory) Get(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+deliveryColumns+" FROM delivery_history WHERE id = ?", id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	return d, nil
}

func whereClause(filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conds := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))
	for key, value := range filters {
		if !filterColumns[key] {
			return "", nil, fmt.Errorf("unsupported filter: %s", key)
		}
		conds = append(conds, key+" = ?")
		args = append(args, value)
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// List implements DeliveryHistory.List
func (s *SQLiteDeliveryHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*Delivery, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + deliveryColumns + " FROM delivery_history" + where +
		" ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return deliveries, nil
}

// Count implements DeliveryHistory.Count
func (s *SQLiteDeliveryHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM delivery_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

// DeleteBefore implements DeliveryHistory.DeleteBefore
func (s *SQLiteDeliveryHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM delivery_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete deliveries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old delivery records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteDeliveryHistory) Close() error {
	return s.db.Close()
}
