package store

import (
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/smart-guard/exportgate/errors"
)

// Migration files are compiled into the binary so deployments never depend
// on SQL files being present on the host filesystem.
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate brings the schema up to date by applying any pending embedded
// migrations. Safe to run on every start; applied versions are skipped.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.WrapFatal(err, "store", "Migrate", "open database")
	}
	defer db.Close()

	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.WrapFatal(err, "store", "Migrate", "set dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.WrapFatal(err, "store", "Migrate", "apply migrations")
	}
	return nil
}
