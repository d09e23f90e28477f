package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/clearport/escrow-indexer/internal/app"
	"github.com/clearport/escrow-indexer/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("❌ %v", err)
		os.Exit(app.ExitConfig)
	}
	os.Exit(app.RunRelayer(cfg))
}
