package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Row is one persisted certificate: its id and its base64 encoded CERT message.
type Row struct {
	ID          string
	MessageData string
}

// Store persists the rows of a local repository.
type Store interface {
	Load(ctx context.Context) ([]Row, error)
	Put(ctx context.Context, row Row) error
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

type certificateRecord struct {
	ID          string `gorm:"primaryKey;column:id;type:varchar(36)"`
	MessageData string `gorm:"column:message_data;type:text;not null"`
}

func (certificateRecord) TableName() string {
	return "certificates"
}

// SQLStore keeps rows in a gorm database table named certificates.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a SQLite database at dsn.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open database, creating the table if needed.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&certificateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate certificate table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context) ([]Row, error) {
	var records []certificateRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{ID: rec.ID, MessageData: rec.MessageData})
	}
	return rows, nil
}

// Put inserts or replaces the row with the same id.
func (s *SQLStore) Put(ctx context.Context, row Row) error {
	rec := certificateRecord{ID: row.ID, MessageData: row.MessageData}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save certificate %s: %w", row.ID, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&certificateRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete certificates: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MemoryStore keeps rows in memory. It is used for ephemeral nodes and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]string
}

func NewMemoryStore(rows ...Row) *MemoryStore {
	s := &MemoryStore{rows: make(map[string]string)}
	for _, row := range rows {
		s.rows[row.ID] = row.MessageData
	}
	return s
}

func (s *MemoryStore) Load(ctx context.Context) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]Row, 0, len(s.rows))
	for id, data := range s.rows {
		rows = append(rows, Row{ID: id, MessageData: data})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *MemoryStore) Put(ctx context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row.MessageData
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
