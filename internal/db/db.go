package db

import (
	"log"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"evalflow/internal/config"
	"evalflow/internal/ledger"
	"evalflow/internal/user"
)

var DB *gorm.DB

// sqlitePrefix selects the embedded driver instead of postgres.
const sqlitePrefix = "sqlite:"

// Open picks the driver from the DSN and migrates every model.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the user and ledger tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&user.User{}); err != nil {
		return err
	}
	return db.AutoMigrate(&ledger.Entry{})
}

func Init(cfg *config.Config) error {
	db, err := Open(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	DB = db
	log.Printf("Database connected and migrated")
	return nil
}
