package djs

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs the embedded Tern migrations against conn, creating
// model_version, inference_job, and inference_result (spec §3, §6).
// Grounded on jobs/migration.go's embed.FS + Tern runner shape.
func Migrate(ctx context.Context, conn *pgx.Conn) error {
	migrator, err := migrate.NewMigrator(ctx, conn, "schema_version")
	if err != nil {
		return fmt.Errorf("djs: create migrator: %w", err)
	}

	filesystem, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("djs: sub filesystem: %w", err)
	}

	if err := migrator.LoadMigrations(filesystem); err != nil {
		return fmt.Errorf("djs: load migrations: %w", err)
	}

	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("djs: migrate: %w", err)
	}

	return nil
}
