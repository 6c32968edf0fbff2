package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydrusnetwork/tagrepo/internal/repo"
)

const migrationClearStalePetitioners = "2026-05-20_clear_stale_petitioner_keys"

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
		{name: migrationClearStalePetitioners, apply: clearStalePetitioners},
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

// clearStalePetitioners wipes petitioner bookkeeping left behind on rows
// that moved out of the petitioned state before the update path started
// clearing the column itself.
func clearStalePetitioners(db *gorm.DB) error {
	models := []interface{}{
		&repo.MappingRow{},
		&repo.FileRow{},
		&repo.TagSiblingRow{},
		&repo.TagParentRow{},
	}
	for _, model := range models {
		if err := db.Model(model).
			Where("status <> ? AND petitioner_key <> ''", repo.StatusPetitioned).
			Update("petitioner_key", "").Error; err != nil {
			return err
		}
	}
	return nil
}
