// Package storage persists runs, rate document passages, and the customer
// table via GORM. Two backends are supported: SQLite through the pure-Go
// glebarez driver (no CGO) and PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nexabank/advisor/internal/workflow"
)

// Store is the GORM-backed persistence layer.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenSQLite opens (and creates if needed) a SQLite-backed store.
// WAL mode is enabled for concurrent reads.
func OpenSQLite(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", path))
	return &Store{db: db, logger: slogger}, nil
}

// OpenPostgres opens a PostgreSQL-backed store.
func OpenPostgres(dsn string, slogger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	slogger.Info("postgres store opened")
	return &Store{db: db, logger: slogger}, nil
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// slogAdapter adapts slog to GORM's Printf-style logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

// Migrate creates or updates all tables and seeds the customer table when empty.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&RunModel{},
		&AnswerModel{},
		&PassageModel{},
		&CustomerModel{},
	); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return s.seedCustomers(ctx)
}

// Ping verifies the underlying connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SQLDB exposes the underlying connection for tools that run raw read-only SQL.
func (s *Store) SQLDB() (*sql.DB, error) {
	return s.db.DB()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ workflow.RunStore = (*Store)(nil)

// SaveRun persists a completed or failed run with its answer history.
func (s *Store) SaveRun(ctx context.Context, rec *workflow.RunRecord) error {
	model := &RunModel{
		ID:           rec.RunID,
		Query:        rec.Query,
		Outline:      rec.Outline,
		FinalAnswer:  rec.FinalAnswer,
		State:        string(rec.State),
		ReviewPasses: rec.ReviewPasses,
		Fallback:     rec.Fallback,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt.UTC(),
		DurationMS:   rec.Duration.Milliseconds(),
	}
	for i, a := range rec.Answers {
		model.Answers = append(model.Answers, AnswerModel{
			RunID:    rec.RunID,
			Position: i,
			Question: a.Question,
			Answer:   a.Text,
			Tool:     a.Tool,
			Failed:   a.Failed,
		})
	}

	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("saving run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetRun loads one run with its answers, or nil when not found.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunModel, error) {
	var model RunModel
	err := s.db.WithContext(ctx).Preload("Answers").First(&model, "id = ?", runID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return &model, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []RunModel
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// ReplaceDocument replaces all passages for a source document in one transaction.
func (s *Store) ReplaceDocument(ctx context.Context, source string, chunks []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source = ?", source).Delete(&PassageModel{}).Error; err != nil {
			return fmt.Errorf("deleting old passages for %s: %w", source, err)
		}
		for i, chunk := range chunks {
			p := PassageModel{
				Source:     source,
				ChunkIndex: i,
				Content:    chunk,
				IngestedAt: time.Now().UTC(),
			}
			if err := tx.Create(&p).Error; err != nil {
				return fmt.Errorf("inserting passage %d of %s: %w", i, source, err)
			}
		}
		return nil
	})
}

// ListPassages returns all ingested document passages in source order.
func (s *Store) ListPassages(ctx context.Context) ([]PassageModel, error) {
	var passages []PassageModel
	err := s.db.WithContext(ctx).Order("source, chunk_index").Find(&passages).Error
	if err != nil {
		return nil, fmt.Errorf("listing passages: %w", err)
	}
	return passages, nil
}

// seedCustomers inserts the demo customer records when the table is empty.
func (s *Store) seedCustomers(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&CustomerModel{}).Count(&count).Error; err != nil {
		return fmt.Errorf("counting customers: %w", err)
	}
	if count > 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(seedCustomers()).Error; err != nil {
		return fmt.Errorf("seeding customers: %w", err)
	}
	s.logger.Info("customer table seeded", slog.Int("customers", len(seedCustomers())))
	return nil
}
