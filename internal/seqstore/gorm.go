package seqstore

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
)

// sessionSequence is the persisted row, one per session.
type sessionSequence struct {
	SessionID  string `gorm:"primaryKey;size:64"`
	NextOut    uint64 `gorm:"not null"`
	ExpectedIn uint64 `gorm:"not null"`
	UpdatedAt  time.Time
}

func (sessionSequence) TableName() string {
	return "session_sequences"
}

// GormStore persists sequence numbers through gorm. SQLite covers single-node
// deployments with an embedded file; Postgres covers shared ones.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens the database selected by driver ("sqlite" or "postgres")
// and migrates the sequence table.
func NewGormStore(driver, dsn string, logger *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sequence store driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence store: %w", err)
	}
	if err := db.AutoMigrate(&sessionSequence{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sequence store: %w", err)
	}

	return &GormStore{db: db, logger: logger}, nil
}

func (s *GormStore) Load(ctx context.Context, sessionID string) (State, error) {
	var row sessionSequence
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to load sequence state: %w", err)
	}
	return State{NextOut: row.NextOut, ExpectedIn: row.ExpectedIn}, nil
}

func (s *GormStore) Persist(ctx context.Context, sessionID string, state State) error {
	row := sessionSequence{
		SessionID:  sessionID,
		NextOut:    state.NextOut,
		ExpectedIn: state.ExpectedIn,
		UpdatedAt:  time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_out", "expected_in", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to persist sequence state: %w", err)
	}
	return nil
}
