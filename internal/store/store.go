package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

const (
	keyRefreshState = "refresh_state"
	keyPreferences  = "preferences"
)

// entryModel is one JSON document in the key-value table.
type entryModel struct {
	Name      string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (entryModel) TableName() string { return "kv_entries" }

// SQLiteStore is a durable key-value store of JSON documents.
type SQLiteStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func Open(dbPath string, log *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := db.AutoMigrate(&entryModel{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &SQLiteStore{db: db, logger: log}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get decodes the document stored under key into out. It reports false when
// the key does not exist.
func (s *SQLiteStore) Get(ctx context.Context, key string, out any) (bool, error) {
	var e entryModel
	err := s.db.WithContext(ctx).Where("name = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(e.Value), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Put replaces the document stored under key. Busy/locked errors are retried briefly.
func (s *SQLiteStore) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	e := entryModel{Name: key, Value: string(data)}

	for attempt := 0; ; attempt++ {
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&e).Error
		if err == nil || !isBusy(err) || attempt == 2 {
			break
		}
		s.logger.Debug("store busy, retrying", "key", key, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", key).Delete(&entryModel{}).Error; err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// LoadRefreshState returns an empty state when nothing was saved yet.
func (s *SQLiteStore) LoadRefreshState(ctx context.Context) (*domain.RefreshState, error) {
	st := domain.NewRefreshState()
	if _, err := s.Get(ctx, keyRefreshState, st); err != nil {
		return nil, err
	}
	if st.LastUpdates == nil {
		st.LastUpdates = make(map[string]int64)
	}
	if st.CachedPRs == nil {
		st.CachedPRs = make(map[string][]domain.PullRequest)
	}
	return st, nil
}

func (s *SQLiteStore) SaveRefreshState(ctx context.Context, st *domain.RefreshState) error {
	return s.Put(ctx, keyRefreshState, st)
}

func (s *SQLiteStore) LoadPreferences(ctx context.Context) (domain.Preferences, error) {
	var p domain.Preferences
	if _, err := s.Get(ctx, keyPreferences, &p); err != nil {
		return domain.Preferences{}, err
	}
	return p, nil
}

func (s *SQLiteStore) SavePreferences(ctx context.Context, p domain.Preferences) error {
	return s.Put(ctx, keyPreferences, p)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// gormLogger routes gorm's logging into slog.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

func newGormLogger(log *slog.Logger) logger.Interface {
	return &gormLogger{log: log, level: logger.Warn}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.ErrorContext(ctx, "store query error", "err", err, "duration", elapsed, "sql", sql, "rows", rows)
	case elapsed > 200*time.Millisecond:
		sql, rows := fc()
		l.log.WarnContext(ctx, "slow store query", "duration", elapsed, "sql", sql, "rows", rows)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.DebugContext(ctx, "store query", "duration", elapsed, "sql", sql, "rows", rows)
	}
}
