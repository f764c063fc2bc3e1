package models

import (
	"errors"
	"fmt"

	"github.com/huangang/swarmhub/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB opens the configured database and keeps it as the process-wide
// handle returned by GetDB.
func InitDB(cfg *config.DatabaseConfig) error {
	db, err := Open(cfg, logger.Warn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open connects to the database described by cfg. SQLite gets a single
// connection so that concurrent transactions queue in the pool instead of
// failing with SQLITE_BUSY.
func Open(cfg *config.DatabaseConfig, level logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	return db, nil
}

// Migrate creates or updates every table the coordination core uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Human{},
		&Token{},
		&Secret{},
		&Receipt{},
		&Job{},
		&Result{},
		&Lock{},
		&Valve{},
		&Alteration{},
		&SystemLog{},
	)
}

func AutoMigrate() error {
	return Migrate(DB)
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData creates the bootstrap human and its token if a token text
// is given and no such token exists yet.
func SeedDefaultData(db *gorm.DB, login, tokenText string) error {
	if login == "" || tokenText == "" {
		return nil
	}

	var human Human
	err := db.Where("login = ?", login).First(&human).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		human = Human{Login: login}
		if err := db.Create(&human).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var count int64
	if err := db.Model(&Token{}).Where("text = ?", tokenText).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.Create(&Token{
		HumanID: human.ID,
		Name:    login,
		Text:    tokenText,
		Active:  true,
	}).Error
}
