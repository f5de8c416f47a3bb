package config

import (
	"encoding/json"
	"os"

	"github.com/joho/godotenv"

	"binance-grid-engine-go/internal/models"
)

// Load reads the JSON config file, overlays environment variables loaded via
// godotenv and fills defaults. The master key is never part of the file; it
// comes from the GRID_MASTER_KEY environment variable only.
func Load(path string) (*models.Config, error) {
	// Missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("GRID_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GRID_LOG_LEVEL"); v != "" {
		cfg.LogConfig.Level = v
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// MasterKey returns the vault master key material from the environment.
func MasterKey() string {
	return os.Getenv("GRID_MASTER_KEY")
}
