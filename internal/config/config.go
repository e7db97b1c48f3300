// Package config loads runtime settings from the environment, with an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"harborbank.org/internal/bank"
	"harborbank.org/internal/transfer"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string
	// AuthSecret signs access tokens; empty falls back to HARBOR_AUTH_SECRET at token time.
	AuthSecret string

	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	OTPTTL          time.Duration
	OTPMaxAttempts  int
	OTPWindow       time.Duration
	OTPMaxPerWindow int
	OTPCooldown     time.Duration

	TransferLevels       int
	TransferLevelCodeTTL time.Duration
	TransferPendingTTL   time.Duration

	HTTPRateBurst  int
	HTTPRatePerSec float64
	CORSOrigins    []string

	// AdminEmail, when set, is ensured to exist as a verified staff user at startup.
	AdminEmail    string
	AdminPassword string
	AdminRole     bank.Role
}

// Load reads .env files (missing files are fine) and then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var p parser
	cfg := Config{
		HTTPAddr:      getEnv("HARBOR_HTTP_ADDR", ":8080"),
		GRPCAddr:      getEnv("HARBOR_GRPC_ADDR", ":9090"),
		PGDSN:         os.Getenv("HARBOR_PG_DSN"),
		AuthSecret:    os.Getenv("HARBOR_AUTH_SECRET"),
		RedisAddr:     os.Getenv("HARBOR_REDIS_ADDR"),
		RedisPassword: os.Getenv("HARBOR_REDIS_PASSWORD"),
		KafkaBrokers:  splitList(os.Getenv("HARBOR_KAFKA_BROKERS")),
		KafkaTopic:    getEnv("HARBOR_KAFKA_TOPIC", "harbor.notifications"),

		OTPTTL:          p.duration("OTP_TTL", 10*time.Minute),
		OTPMaxAttempts:  p.integer("OTP_MAX_ATTEMPTS", 3),
		OTPWindow:       p.duration("OTP_WINDOW", 10*time.Minute),
		OTPMaxPerWindow: p.integer("OTP_MAX_PER_WINDOW", 5),
		OTPCooldown:     p.duration("OTP_COOLDOWN", 45*time.Second),

		TransferLevels:       p.integer("TRANSFER_SECURITY_LEVELS", 4),
		TransferLevelCodeTTL: p.duration("TRANSFER_LEVEL_CODE_TTL", 5*time.Minute),
		TransferPendingTTL:   p.duration("TRANSFER_PENDING_TTL", 30*time.Minute),

		HTTPRateBurst:  p.integer("HTTP_RATE_BURST", 20),
		HTTPRatePerSec: p.float("HTTP_RATE_PER_SEC", 10),
		CORSOrigins:    splitList(os.Getenv("HARBOR_CORS_ORIGINS")),

		AdminEmail:    strings.TrimSpace(os.Getenv("HARBOR_ADMIN_EMAIL")),
		AdminPassword: os.Getenv("HARBOR_ADMIN_PASSWORD"),
	}
	role, ok := bank.ParseRole(getEnv("HARBOR_ADMIN_ROLE", string(bank.RoleSuperAdmin)))
	if !ok || !role.IsStaff() {
		return Config{}, errors.New("HARBOR_ADMIN_ROLE must be ADMIN or SUPER_ADMIN")
	}
	cfg.AdminRole = role
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.OTPTTL <= 0:
		return errors.New("OTP_TTL must be positive")
	case c.OTPMaxAttempts < 1:
		return errors.New("OTP_MAX_ATTEMPTS must be at least 1")
	case c.TransferLevels < 1:
		return errors.New("TRANSFER_SECURITY_LEVELS must be at least 1")
	case c.TransferLevels > transfer.MaxLevels:
		return fmt.Errorf("TRANSFER_SECURITY_LEVELS must be at most %d", transfer.MaxLevels)
	case c.TransferLevelCodeTTL <= 0:
		return errors.New("TRANSFER_LEVEL_CODE_TTL must be positive")
	case c.TransferPendingTTL < 0:
		return errors.New("TRANSFER_PENDING_TTL must not be negative")
	case (c.AdminEmail == "") != (c.AdminPassword == ""):
		return errors.New("HARBOR_ADMIN_EMAIL and HARBOR_ADMIN_PASSWORD must be set together")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so Load can report it once.
type parser struct{ err error }

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}
