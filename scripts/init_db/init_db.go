package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/joho/godotenv"

	"can-logger/ingestion/internal/catalog"
	"can-logger/ingestion/internal/config"
	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/store"
)

func main() {
	clearFlag := flag.Bool("clear", false, "truncate every signal table after creating it")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found: using system environment variables")
	}
	cfg := config.Load()
	ctx := context.Background()

	fmt.Printf("Loading catalog %s...\n", cfg.CatalogPath)
	cat, err := catalog.Load(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg.CatalogPath)
	if err != nil {
		log.Fatalf("Catalog failed to load: %v", err)
	}
	schema := cat.Schema()
	fmt.Printf("✓ %d messages\n", len(schema.Messages))

	fmt.Println("Connecting to Postgres...")
	db, err := store.NewPostgresStore(ctx, cfg.DSN(1))
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer db.Close()
	fmt.Println("✓ Connected")

	step1AlertTables(ctx, db)
	step2SignalTables(ctx, db, schema, *clearFlag)
	step3Verify(ctx, db, schema)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ─────────────────────────────────────────────────────────────
// Step 1: alert definitions and history
// ─────────────────────────────────────────────────────────────
func step1AlertTables(ctx context.Context, db *store.PostgresStore) {
	fmt.Println("\n── Step 1: alert tables ────────────────────────")

	if err := db.CreateAlertTables(ctx); err != nil {
		log.Fatalf("FAILED: alert tables\nError: %v", err)
	}
	fmt.Println("  ✓ alerts")
	fmt.Println("  ✓ triggered_alerts")
}

// ─────────────────────────────────────────────────────────────
// Step 2: one table per catalog message
// ─────────────────────────────────────────────────────────────
func step2SignalTables(ctx context.Context, db *store.PostgresStore, schema *domain.Schema, truncate bool) {
	fmt.Println("\n── Step 2: signal tables ───────────────────────")

	if err := db.CreateSignalTables(ctx, schema); err != nil {
		log.Fatalf("FAILED: signal tables\nError: %v", err)
	}
	for _, m := range schema.Messages {
		fmt.Printf("  ✓ %-32s 0x%03X  %d signals\n", m.Name, m.ID, len(m.Columns))
	}

	if truncate {
		if err := db.ClearSignalTables(ctx, schema); err != nil {
			log.Fatalf("FAILED: clear signal tables\nError: %v", err)
		}
		fmt.Println("  ✓ signal tables cleared")
	}
}

// ─────────────────────────────────────────────────────────────
// Step 3: verify everything was created
// ─────────────────────────────────────────────────────────────
func step3Verify(ctx context.Context, db *store.PostgresStore, schema *domain.Schema) {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	missing, err := db.MissingTables(ctx, schema)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	if len(missing) > 0 {
		log.Fatalf("Tables were not created: %v", missing)
	}
	fmt.Printf("  ✓ %d tables present\n", len(schema.Messages)+2)
}
