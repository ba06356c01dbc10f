package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearDanglingCommitLinks = "2026-09-14_clear_dangling_commit_links"

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
		{name: migrationClearDanglingCommitLinks, apply: clearDanglingCommitLinks},
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

// clearDanglingCommitLinks drops file links to commits that were never stored,
// so the startup backfill can point them at the commit that recorded their latest version.
func clearDanglingCommitLinks(db *gorm.DB) error {
	return db.Model(&store.File{}).
		Where("last_commit_id IS NOT NULL AND last_commit_id NOT IN (?)", db.Model(&store.Commit{}).Select("commit_id")).
		Update("last_commit_id", nil).Error
}
