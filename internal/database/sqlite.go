package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydrusnetwork/tagrepo/internal/accounts"
	"github.com/hydrusnetwork/tagrepo/internal/repo"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&accounts.AccountRecord{},
		&accounts.AccountTypeRecord{},
		&accounts.AccountTypeEdit{},
		&accounts.RegistrationKeyRecord{},
		&repo.MappingRow{},
		&repo.FileRow{},
		&repo.TagSiblingRow{},
		&repo.TagParentRow{},
		&repo.ServiceRecord{},
		&repo.UpdateRecord{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	return db, nil
}
