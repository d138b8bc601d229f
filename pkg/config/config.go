// Package config loads process configuration from the environment, in
// the style of core/pkg/config/config.go: a flat struct, a Load()
// constructor, and hardcoded local defaults for anything unset.
package config

import "os"

// Config holds the ledger core's environment-derived configuration.
type Config struct {
	DatabaseURL string
	LedgerBackend string // "sqlite" or "postgres"
	LogLevel    string

	FeaturesImporter          bool
	FeaturesImporterEntities  bool
	FeaturesImporterEdges     bool
	FeaturesImporterEmbeddings bool
}

// Load reads configuration from the environment, falling back to local
// development defaults for anything unset.
func Load() *Config {
	return &Config{
		DatabaseURL:   getEnv("DATABASE_URL", "postgres://localhost:5432/ledger?sslmode=disable"),
		LedgerBackend: getEnv("LEDGER_BACKEND", "sqlite"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		FeaturesImporter:           getBoolEnv("FEATURES_IMPORTER", true),
		FeaturesImporterEntities:   getBoolEnv("FEATURES_IMPORTER_ENTITIES", true),
		FeaturesImporterEdges:      getBoolEnv("FEATURES_IMPORTER_EDGES", true),
		FeaturesImporterEmbeddings: getBoolEnv("FEATURES_IMPORTER_EMBEDDINGS", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
