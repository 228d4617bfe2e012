// Package config loads the daemon and CLI configuration from .env files and
// the process environment.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the orchestrator configuration.
type Config struct {
	AppEnv   string
	DataDir  string
	DBPath   string
	LogLevel string
	// APIAddr is the daemon's HTTP listen address. "off" disables it.
	APIAddr string

	// EncryptionKey derives the AES key for sensitive task fields.
	EncryptionKey string

	Workers        int
	PollInterval   time.Duration
	JobLease       time.Duration
	MaxAttempts    int
	SubtaskTimeout time.Duration
	OracleTimeout  time.Duration
	ItemTimeout    time.Duration

	LogWindow   int // K most recent execution log entries in the decision bundle
	MaxCycles   int
	AutoApprove bool

	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64

	ConnectedTools []string
	// OwnerID owns tasks created from the CLI and receives the daemon's
	// notification stream.
	OwnerID string
	// EventsPerMinute caps external events per task.
	EventsPerMinute int

	OpenAIKey     string
	OpenAIBaseURL string
	Model         string
}

// Load reads .env and .env.<APP_ENV> (the latter overriding), then builds a
// Config from the environment. Missing files are not an error.
func Load() Config {
	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "dev"
	}
	if err := godotenv.Load(".env"); err == nil {
		log.Printf("[config] loaded .env")
	}
	envFile := fmt.Sprintf(".env.%s", appEnv)
	if err := godotenv.Overload(envFile); err == nil {
		log.Printf("[config] loaded %s", envFile)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	dataDir := getString("LONGFORM_DATA", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataDir = filepath.Join(home, ".longform")
	}

	return Config{
		AppEnv:        getString("APP_ENV", "dev"),
		DataDir:       dataDir,
		DBPath:        getString("LONGFORM_DB", filepath.Join(dataDir, "longform.db")),
		LogLevel:      getString("LONGFORM_LOG_LEVEL", "info"),
		APIAddr:       getString("LONGFORM_API_ADDR", "127.0.0.1:9090"),
		EncryptionKey: os.Getenv("LONGFORM_ENCRYPTION_KEY"),

		Workers:        getInt("LONGFORM_WORKERS", 4),
		PollInterval:   getDuration("LONGFORM_POLL_INTERVAL", time.Second),
		JobLease:       getDuration("LONGFORM_JOB_LEASE", 10*time.Minute),
		MaxAttempts:    getInt("LONGFORM_MAX_ATTEMPTS", 5),
		SubtaskTimeout: getDuration("LONGFORM_SUBTASK_TIMEOUT", 5*time.Minute),
		OracleTimeout:  getDuration("LONGFORM_ORACLE_TIMEOUT", 90*time.Second),
		ItemTimeout:    getDuration("LONGFORM_ITEM_TIMEOUT", 2*time.Minute),

		LogWindow:   getInt("LONGFORM_LOG_WINDOW", 5),
		MaxCycles:   getInt("LONGFORM_MAX_CYCLES", 200),
		AutoApprove: getBool("LONGFORM_AUTO_APPROVE", false),

		DailyBudgetUSD:   getFloat("LONGFORM_DAILY_BUDGET_USD", 0),
		MonthlyBudgetUSD: getFloat("LONGFORM_MONTHLY_BUDGET_USD", 0),

		ConnectedTools:  getList("LONGFORM_CONNECTED_TOOLS"),
		OwnerID:         getString("LONGFORM_OWNER", "local"),
		EventsPerMinute: getInt("LONGFORM_EVENTS_PER_MINUTE", 30),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:         getString("LONGFORM_MODEL", "gpt-4o-mini"),
	}
}

// Validate reports the first configuration problem, if any.
func (c Config) Validate() error {
	if len(c.EncryptionKey) < 8 {
		return fmt.Errorf("LONGFORM_ENCRYPTION_KEY must be at least 8 characters")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("LONGFORM_WORKERS must be positive, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("LONGFORM_POLL_INTERVAL must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("LONGFORM_MAX_ATTEMPTS must be positive")
	}
	if c.LogWindow <= 0 {
		return fmt.Errorf("LONGFORM_LOG_WINDOW must be positive")
	}
	if c.MaxCycles <= 0 {
		return fmt.Errorf("LONGFORM_MAX_CYCLES must be positive")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
