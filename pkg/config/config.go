// Package config loads server configuration from the environment and
// policy profiles from YAML.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string // SQLite path; ":memory:" for ephemeral
	PostgresURL  string // optional shared escrow backend
	RedisAddr    string // optional distributed idempotency backend
	ProfilePath  string // policy profile YAML
	OTLPEndpoint string
	MasterSecret string // identity token signing master secret
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "veritrail.db"
	}

	secret := os.Getenv("MASTER_SECRET")
	if secret == "" {
		// Dev fallback; deployments set their own.
		secret = "veritrail-dev-secret"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabasePath: dbPath,
		PostgresURL:  os.Getenv("POSTGRES_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		ProfilePath:  os.Getenv("PROFILE_PATH"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		MasterSecret: secret,
	}
}
