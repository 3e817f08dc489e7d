// Package config loads runtime settings from the environment.
//
// A .env file in the working directory is read first when present; real environment
// variables always win over it. Apart from JWT_SECRET and KEY_VAULT_SECRET every
// setting has a development default: SQLite, badger content store and ledger,
// in-memory name records.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"

	"github.com/sakif/webdeploy/internal/gateway"
)

// Backend selectors.
const (
	DBSQLite   = "sqlite"
	DBPostgres = "postgres"

	StoreLocal = "local"
	StoreKubo  = "kubo"

	LedgerLocal = "local"
	LedgerEVM   = "evm"

	NamesMemory = "memory"
	NamesRedis  = "redis"
)

// Config holds every setting the server needs.
type Config struct {
	Port     int
	LogLevel slog.Level

	DBDriver    string
	DBPath      string
	DatabaseURL string

	JWTSecret      string
	KeyVaultSecret string
	CORSOrigins    []string
	CookieSecure   bool

	ContentStore   string
	ContentDir     string
	CIDHash        string
	KuboURL        string
	KuboToken      string
	MaxContentSize datasize.ByteSize

	Ledger           string
	LedgerDir        string
	EthereumRPCURL   string
	LedgerPrivateKey string
	LedgerContract   string

	NameStore string
	RedisAddr string
	RedisDB   int

	GeminiAPIKey string
	GeminiModel  string

	Gateways     []string
	ProbeTimeout time.Duration
	ContentTTL   time.Duration
}

// Load reads .env (if any) and the environment. Invalid values return an error
// naming the offending variable.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment only")
	}

	cfg := &Config{
		DBDriver:         getenv("DB_DRIVER", DBSQLite),
		DBPath:           getenv("DB_PATH", "data/webdeploy.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		KeyVaultSecret:   os.Getenv("KEY_VAULT_SECRET"),
		CORSOrigins:      splitList(getenv("CORS_ORIGINS", "http://localhost:3000")),
		ContentStore:     getenv("CONTENT_STORE", StoreLocal),
		ContentDir:       getenv("CONTENT_DIR", "data/content"),
		CIDHash:          getenv("CID_HASH", "sha2-256"),
		KuboURL:          getenv("KUBO_URL", "http://127.0.0.1:5001"),
		KuboToken:        os.Getenv("KUBO_TOKEN"),
		Ledger:           getenv("LEDGER", LedgerLocal),
		LedgerDir:        getenv("LEDGER_DIR", "data/ledger"),
		EthereumRPCURL:   os.Getenv("ETHEREUM_RPC_URL"),
		LedgerPrivateKey: os.Getenv("LEDGER_PRIVATE_KEY"),
		LedgerContract:   os.Getenv("LEDGER_CONTRACT"),
		NameStore:        getenv("NAME_STORE", NamesMemory),
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		Gateways:         splitList(os.Getenv("GATEWAYS")),
	}
	if len(cfg.Gateways) == 0 {
		cfg.Gateways = gateway.DefaultGateways
	}

	var err error
	if cfg.Port, err = intEnv("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.CookieSecure, err = boolEnv("COOKIE_SECURE", false); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = durationEnv("PROBE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ContentTTL, err = durationEnv("CONTENT_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	if err := cfg.MaxContentSize.UnmarshalText([]byte(getenv("MAX_CONTENT_SIZE", "5MB"))); err != nil {
		return nil, fmt.Errorf("config: MAX_CONTENT_SIZE: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := oneOf("DB_DRIVER", c.DBDriver, DBSQLite, DBPostgres); err != nil {
		return err
	}
	if err := oneOf("CONTENT_STORE", c.ContentStore, StoreLocal, StoreKubo); err != nil {
		return err
	}
	if err := oneOf("LEDGER", c.Ledger, LedgerLocal, LedgerEVM); err != nil {
		return err
	}
	if err := oneOf("NAME_STORE", c.NameStore, NamesMemory, NamesRedis); err != nil {
		return err
	}

	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("config: JWT_SECRET must be set to at least 16 characters")
	}
	if len(c.KeyVaultSecret) < 16 {
		return fmt.Errorf("config: KEY_VAULT_SECRET must be set to at least 16 characters")
	}
	if c.DBDriver == DBPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when DB_DRIVER=postgres")
	}
	if c.Ledger == LedgerEVM {
		if c.EthereumRPCURL == "" || c.LedgerPrivateKey == "" || c.LedgerContract == "" {
			return fmt.Errorf("config: LEDGER=evm needs ETHEREUM_RPC_URL, LEDGER_PRIVATE_KEY and LEDGER_CONTRACT")
		}
	}
	if c.MaxContentSize == 0 {
		return fmt.Errorf("config: MAX_CONTENT_SIZE must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s=%q, want one of %s", key, value, strings.Join(allowed, ", "))
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
