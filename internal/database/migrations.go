package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCycleProposer = "2026-07-14_backfill_cycle_proposer"

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
		{name: migrationBackfillCycleProposer, apply: backfillCycleProposer},
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

// backfillCycleProposer repairs rows written before the proposer column was
// recorded at input-submission time: the partner whose input arrived first
// (or partner one when both timestamps are missing) becomes the proposer.
func backfillCycleProposer(db *gorm.DB) error {
	setPartnerOne := `UPDATE weekly_cycles SET proposer_user_id = partner_one_id
		WHERE proposer_user_id = ''
		AND partner_one_input_json IS NOT NULL
		AND (partner_two_submitted_at_s IS NULL
			OR partner_one_submitted_at_s <= partner_two_submitted_at_s);`
	if err := db.Exec(setPartnerOne).Error; err != nil {
		return err
	}
	setPartnerTwo := `UPDATE weekly_cycles SET proposer_user_id = partner_two_id
		WHERE proposer_user_id = ''
		AND partner_two_input_json IS NOT NULL;`
	return db.Exec(setPartnerTwo).Error
}
