package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migration is a named, run-once data fix applied after the schema is in place.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

type migrationRecord struct {
	Name               string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMillisecs int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []Migration) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().UnixMilli()
			return tx.Create(&migrationRecord{Name: migration.Name, AppliedAtMillisecs: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}
