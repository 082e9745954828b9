// Package config loads the service configuration from the environment,
// optionally overlaid by a YAML file named in OMRLEDGER_CONFIG. Environment
// variables win over file values so deployments can patch single settings.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// Config holds the full service configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Difficulty is the proof-of-work prefix length for new blocks.
	Difficulty int `yaml:"difficulty"`

	// DatabaseURL selects the relational store. ":memory:" and plain file
	// paths open SQLite; a postgres:// URL opens PostgreSQL.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the result cache when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Signer keys for the three-party verification.
	AIKey    string `yaml:"ai_key"`
	HumanKey string `yaml:"human_key"`
	AdminKey string `yaml:"admin_key"`

	// Object storage for scan images and question papers.
	ObjectBackend  string `yaml:"object_backend"` // fs, s3, gcs
	ObjectDir      string `yaml:"object_dir"`
	ObjectBucket   string `yaml:"object_bucket"`
	ObjectRegion   string `yaml:"object_region"`
	ObjectEndpoint string `yaml:"object_endpoint"`
	ObjectPrefix   string `yaml:"object_prefix"`

	// AuditDir holds the append-only audit logs.
	AuditDir string `yaml:"audit_dir"`

	// AI provider; empty endpoint selects the deterministic mock.
	AIEndpoint string `yaml:"ai_endpoint"`
	AIAPIKey   string `yaml:"ai_api_key"`

	// TokenSecret signs operator tokens; empty disables operator routes.
	TokenSecret string `yaml:"token_secret"`

	// Rate limiting; zero RPS disables it.
	RateRPS   int `yaml:"rate_rps"`
	RateBurst int `yaml:"rate_burst"`

	// VerifyURLBase prefixes the QR verification links.
	VerifyURLBase string `yaml:"verify_url_base"`
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in that order of precedence.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          "8080",
		LogLevel:      "INFO",
		Difficulty:    4,
		DatabaseURL:   "omrledger.db",
		ObjectBackend: "fs",
		ObjectDir:     "data/objects",
		AuditDir:      "data/audit",
		RateRPS:       50,
		RateBurst:     100,
		VerifyURLBase: "https://results.example.org/verify",
	}

	if path := os.Getenv("OMRLEDGER_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.Wrap(domain.KindInvalidState, err, "config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, domain.Wrap(domain.KindInvalidState, err, "config file %s", path)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("PORT", &cfg.Port)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envInt("LEDGER_DIFFICULTY", &cfg.Difficulty)
	envStr("DATABASE_URL", &cfg.DatabaseURL)
	envStr("REDIS_ADDR", &cfg.RedisAddr)
	envStr("REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("REDIS_DB", &cfg.RedisDB)
	envStr("SIGNER_AI_KEY", &cfg.AIKey)
	envStr("SIGNER_HUMAN_KEY", &cfg.HumanKey)
	envStr("SIGNER_ADMIN_KEY", &cfg.AdminKey)
	envStr("OBJECT_BACKEND", &cfg.ObjectBackend)
	envStr("OBJECT_DIR", &cfg.ObjectDir)
	envStr("OBJECT_BUCKET", &cfg.ObjectBucket)
	envStr("OBJECT_REGION", &cfg.ObjectRegion)
	envStr("OBJECT_ENDPOINT", &cfg.ObjectEndpoint)
	envStr("OBJECT_PREFIX", &cfg.ObjectPrefix)
	envStr("AUDIT_DIR", &cfg.AuditDir)
	envStr("AI_ENDPOINT", &cfg.AIEndpoint)
	envStr("AI_API_KEY", &cfg.AIAPIKey)
	envStr("TOKEN_SECRET", &cfg.TokenSecret)
	envInt("RATE_RPS", &cfg.RateRPS)
	envInt("RATE_BURST", &cfg.RateBurst)
	envStr("VERIFY_URL_BASE", &cfg.VerifyURLBase)
}

func (c *Config) validate() error {
	if c.Difficulty < 1 || c.Difficulty > 6 {
		return domain.E(domain.KindInvalidState, "difficulty %d out of range [1,6]", c.Difficulty)
	}
	switch c.ObjectBackend {
	case "fs", "s3", "gcs":
	default:
		return domain.E(domain.KindInvalidState, "unknown object backend %q", c.ObjectBackend)
	}
	if c.ObjectBackend != "fs" && c.ObjectBucket == "" {
		return domain.E(domain.KindInvalidState, "object backend %q requires a bucket", c.ObjectBackend)
	}
	return nil
}

// SignersConfigured reports whether all three signer keys are present.
func (c *Config) SignersConfigured() bool {
	return c.AIKey != "" && c.HumanKey != "" && c.AdminKey != ""
}
