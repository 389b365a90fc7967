package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	betdomain "github.com/smallbiznis/partnerpay/internal/betrecord/domain"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models is the schema AutoMigrate builds on sqlite and mysql. Postgres uses
// the embedded SQL files.
func Models() []any {
	return []any{
		&hierarchydomain.User{},
		&ratedomain.CommissionRate{},
		&betdomain.BetRecord{},
		&watermark.ProcessMeta{},
		&commissiondomain.Transaction{},
		&commissiondomain.CommissionSummary{},
		&commissiondomain.CompletedCycleSummary{},
		&commissiondomain.CycleAggregation{},
		&settlementdomain.SettlementHistory{},
	}
}

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.

	return nil
}

func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
