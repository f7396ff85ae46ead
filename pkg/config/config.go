package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	LogLevel     string
	DBDriver     string // "memory" | "sqlite" | "postgres"
	DatabaseURL  string
	DataDir      string
	PolicyFile   string
	RedisAddr    string
	OTLPEndpoint string
	RateRPS      float64
	RateBurst    int
}

// Load loads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("PAYCORE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("PAYCORE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("PAYCORE_DB_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dataDir := os.Getenv("PAYCORE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	dbURL := os.Getenv("PAYCORE_DATABASE_URL")
	if dbURL == "" && driver == "postgres" {
		// Default to local generic postgres
		dbURL = "postgres://paycore@localhost:5432/paycore?sslmode=disable"
	}

	rps, err := strconv.ParseFloat(os.Getenv("PAYCORE_RATE_RPS"), 64)
	if err != nil || rps <= 0 {
		rps = 20
	}
	burst, err := strconv.Atoi(os.Getenv("PAYCORE_RATE_BURST"))
	if err != nil || burst <= 0 {
		burst = 40
	}

	return &Config{
		Addr:         addr,
		LogLevel:     logLevel,
		DBDriver:     driver,
		DatabaseURL:  dbURL,
		DataDir:      dataDir,
		PolicyFile:   os.Getenv("PAYCORE_POLICY_FILE"),
		RedisAddr:    os.Getenv("PAYCORE_REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("PAYCORE_OTLP_ENDPOINT"),
		RateRPS:      rps,
		RateBurst:    burst,
	}
}
