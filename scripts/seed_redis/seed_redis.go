package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"can-logger/ingestion/internal/config"
	"can-logger/ingestion/internal/store"
)

// Default keys for a local setup: api key -> owner.
var defaultKeys = map[string]string{
	"pit_wall_key":  "pit wall",
	"telemetry_key": "telemetry team",
	"test_key":      "test",
}

func main() {
	keysFlag := flag.String("keys", "", "comma separated key=owner pairs to seed instead of the defaults")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file: using system environment variables")
	}
	cfg := config.Load()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	keys := defaultKeys
	if *keysFlag != "" {
		var err error
		if keys, err = parseKeys(*keysFlag); err != nil {
			log.Fatalf("Invalid -keys: %v", err)
		}
	}

	step1APIKeys(ctx, client, keys)
	step2Verify(ctx, store.NewRedisStoreFromClient(client), keys)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run ./cmd/ingestion --replay <file>.log")
}

func parseKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, owner, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || owner == "" {
			return nil, fmt.Errorf("expected key=owner, got %q", pair)
		}
		out[key] = owner
	}
	return out, nil
}

func step1APIKeys(ctx context.Context, client *redis.Client, keys map[string]string) {
	fmt.Println("\n── Step 1: Seeding API keys ────────────────────")

	// No TTL: seeded keys stay until removed by hand.
	for apiKey, owner := range keys {
		name := store.APIKeyName(apiKey)
		if err := client.Set(ctx, name, owner, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", name, err)
		}
		fmt.Printf("  ✓ %-40s → %s\n", name, owner)
	}
}

func step2Verify(ctx context.Context, rs *store.RedisStore, keys map[string]string) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	for apiKey, want := range keys {
		got, err := rs.GetAPIKey(ctx, apiKey)
		if err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		if got != want {
			log.Fatalf("Key %s resolves to %q, want %q", apiKey, got, want)
		}
	}
	fmt.Printf("  ✓ %d API keys resolve through the authenticator lookup\n", len(keys))
}
