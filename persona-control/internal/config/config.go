package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr               string
	DatabaseURL        string
	PolicyFile         string
	QualityEngineURL   string
	QualityTimeout     time.Duration
	ValidatorURL       string
	KafkaBrokers       []string
	KafkaTopic         string
	ArchiveBucket      string
	ArchivePrefix      string
	JWTPublicKeyFile   string
	AllowDevPrincipal  bool
	SchedulerEnabled   bool
	EvaluateInterval   time.Duration
	GovernanceInterval time.Duration
	EvaluateBatch      int
	StaleAfter         time.Duration
}

const (
	defaultAddr               = ":8071"
	defaultKafkaTopic         = "persona.rollouts"
	defaultQualityTimeout     = 2 * time.Minute
	defaultEvaluateInterval   = 7 * 24 * time.Hour
	defaultGovernanceInterval = 30 * 24 * time.Hour
	defaultEvaluateBatch      = 100
	defaultStaleAfter         = 14 * 24 * time.Hour
)

// Load reads the service configuration. The service refuses to start without
// a JWT key unless the dev principal is explicitly allowed.
func Load() (Config, error) {
	cfg, err := LoadOperator()
	if err != nil {
		return Config{}, err
	}
	if cfg.JWTPublicKeyFile == "" && !cfg.AllowDevPrincipal {
		return Config{}, fmt.Errorf("PERSONA_JWT_PUBLIC_KEY_FILE required unless PERSONA_ALLOW_DEV_PRINCIPAL=true")
	}
	if os.Getenv("NODE_ENV") == "production" && cfg.AllowDevPrincipal {
		return Config{}, fmt.Errorf("PERSONA_ALLOW_DEV_PRINCIPAL is forbidden in production")
	}
	return cfg, nil
}

// LoadOperator reads the configuration personactl needs. It talks to the
// database directly and has no HTTP surface to authenticate.
func LoadOperator() (Config, error) {
	cfg := Config{
		Addr:               getEnv("PERSONA_CONTROL_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("PERSONA_CONTROL_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PolicyFile:         os.Getenv("PERSONA_POLICY_FILE"),
		QualityEngineURL:   os.Getenv("PERSONA_QUALITY_ENGINE_URL"),
		QualityTimeout:     getDuration("PERSONA_QUALITY_TIMEOUT", defaultQualityTimeout),
		ValidatorURL:       os.Getenv("PERSONA_VALIDATOR_URL"),
		KafkaBrokers:       splitList(os.Getenv("PERSONA_KAFKA_BROKERS")),
		KafkaTopic:         getEnv("PERSONA_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:      os.Getenv("PERSONA_ARCHIVE_BUCKET"),
		ArchivePrefix:      os.Getenv("PERSONA_ARCHIVE_PREFIX"),
		JWTPublicKeyFile:   os.Getenv("PERSONA_JWT_PUBLIC_KEY_FILE"),
		AllowDevPrincipal:  getBool("PERSONA_ALLOW_DEV_PRINCIPAL", false),
		SchedulerEnabled:   getBool("PERSONA_SCHEDULER_ENABLED", false),
		EvaluateInterval:   getDuration("PERSONA_EVALUATE_INTERVAL", defaultEvaluateInterval),
		GovernanceInterval: getDuration("PERSONA_GOVERNANCE_INTERVAL", defaultGovernanceInterval),
		EvaluateBatch:      getInt("PERSONA_EVALUATE_BATCH", defaultEvaluateBatch),
		StaleAfter:         getDuration("PERSONA_STALE_AFTER", defaultStaleAfter),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or PERSONA_CONTROL_DATABASE_URL required")
	}
	if cfg.EvaluateBatch <= 0 {
		cfg.EvaluateBatch = defaultEvaluateBatch
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
