// Command migrate applies DJS's embedded schema to the configured
// Postgres database and exits.
package main

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5"

	"github.com/chestxray/inferqueue/internal/config"
	"github.com/chestxray/inferqueue/internal/djs"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("migrate: connect: %v", err)
	}

	if err := djs.Migrate(ctx, conn); err != nil {
		conn.Close(ctx)
		log.Fatalf("migrate: %v", err)
	}
	if err := conn.Close(ctx); err != nil {
		log.Fatalf("migrate: close: %v", err)
	}
	log.Println("migrate: schema is up to date")

	store, err := djs.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("migrate: connect store: %v", err)
	}
	defer store.Close()

	if err := store.BootstrapModelVersion(ctx, cfg.ModelName, cfg.ModelWeightsPath); err != nil {
		log.Fatalf("migrate: bootstrap model_version: %v", err)
	}
	log.Printf("migrate: model_version %q is bootstrapped", cfg.ModelName)
}
