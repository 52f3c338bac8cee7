package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"gorm.io/gorm"
)

// Models lists every table the server owns, for dialects without SQL migrations.
func Models() []any {
	return []any{
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.TrialUsage{},
		&subscriptiondomain.Payment{},
		&subscriptiondomain.Event{},
		&usagedomain.CounterRow{},
	}
}

// Migrate applies the embedded SQL migrations on postgres and falls back to
// AutoMigrate for sqlite and mysql.
func Migrate(conn *gorm.DB, dialect string) error {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	default:
		return conn.AutoMigrate(Models()...)
	}
}

// RunMigrations applies every pending up migration against a postgres handle.
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
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
