package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSingleActiveGameAccount = "2026-10-01_single_active_game_account"
	migrationOneActiveIndex          = "2026-10-02_game_accounts_one_active_index"
)

// OneActiveIndex is the partial unique index allowing one active game account per owner.
const OneActiveIndex = "game_accounts_one_active_key"

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
		{name: migrationSingleActiveGameAccount, apply: demoteExtraActiveGameAccounts},
		{name: migrationOneActiveIndex, apply: createOneActiveIndex},
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
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// demoteExtraActiveGameAccounts keeps the oldest active game account per owner.
func demoteExtraActiveGameAccounts(db *gorm.DB) error {
	if !db.Migrator().HasTable("game_accounts") {
		return nil
	}
	return db.Exec(`UPDATE game_accounts SET active = ?
		WHERE active = ? AND id NOT IN (
			SELECT keep_id FROM (
				SELECT MIN(id) AS keep_id FROM game_accounts WHERE active = ? GROUP BY account_id
			) AS keepers
		)`, false, true, true).Error
}

func createOneActiveIndex(db *gorm.DB) error {
	if !db.Migrator().HasTable("game_accounts") {
		return nil
	}
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS " + OneActiveIndex + " ON game_accounts (account_id) WHERE active").Error
}
