package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reliefops/fieldsync/internal/queue"
)

const migrationBackfillNextRetryAt = "2026-07-21_backfill_next_retry_at"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNextRetryAt, apply: backfillNextRetryAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Items written before retry gating existed carry a zero next_retry_at_s,
// which batch selection already treats as immediately eligible. Aligning
// them with created_at_s keeps ordering stable for equal priorities.
func backfillNextRetryAt(db *gorm.DB) error {
	return db.Model(&queue.Item{}).
		Where("next_retry_at_s = 0").
		Update("next_retry_at_s", gorm.Expr("created_at_s")).Error
}
