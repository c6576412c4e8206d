// Quorum deliberation server — runs a council of LLM advisors over a
// single question and streams the full deliberation to the caller.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/quorumhq/quorum/pkg/api"
	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/events"
	"github.com/quorumhq/quorum/pkg/gateway"
	"github.com/quorumhq/quorum/pkg/orchestrator"
	"github.com/quorumhq/quorum/pkg/queue"
	"github.com/quorumhq/quorum/pkg/quota"
	"github.com/quorumhq/quorum/pkg/registry"
	"github.com/quorumhq/quorum/pkg/stage"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	log.Printf("Starting %s", version.Full())
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := store.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("✓ Connected to PostgreSQL database")
	log.Println("✓ Database schema initialized")

	// Session leases outlive crashed owners for twice the session hard
	// timeout, then expire so recovery writers can take over.
	sessionStore := store.NewSessionStore(dbClient, 2*cfg.Timeouts.SessionHard)

	reg := registry.New(cfg.Council)
	gate := quota.NewGate(cfg.Quota)
	platformKey := os.Getenv(cfg.Gateway.PlatformKeyEnv)
	if platformKey == "" {
		log.Printf("Warning: %s is not set; only BYOK sessions will succeed", cfg.Gateway.PlatformKeyEnv)
	}
	gw := gateway.NewHTTPClient(cfg.Gateway, cfg.Timeouts, platformKey, reg)
	slots := queue.NewSlotPool(cfg.Pool.MaxConcurrentWorkers)
	executor := stage.NewExecutor(gw, slots, cfg.Timeouts)
	hub := events.NewHub()
	orch := orchestrator.New(cfg, reg, gate, sessionStore, executor, hub)

	log.Println("✓ Deliberation engine initialized")

	server := api.NewServer(orch, sessionStore, hub, dbClient.DB())
	log.Printf("HTTP server listening on :%s", httpPort)
	log.Printf("Health check available at: http://localhost:%s/health", httpPort)
	if err := server.Run(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
