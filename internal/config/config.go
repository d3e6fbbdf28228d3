package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRemote = "remote"

	defaultJWTSecret = "dev-secret-change-me"
)

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	JWTSecret             string
	AccessTokenTTLMinutes int

	// Backend 为 memory 时全部存储在进程内，remote 时使用 Postgres + MongoDB + Redis。
	Backend       string
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string

	TypingQuietPeriod time.Duration
	TypingTTL         time.Duration
	PresenceTTL       time.Duration
	PresenceSweepCron string
	BotsFile          string
	// SeedFile 为 YAML 用户列表，启动时写入资料库，便于本地联调。
	SeedFile string
	// CORSOrigins 为空时 dev 环境放行任意来源。
	CORSOrigins []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getlist(key string) []string {
	var out []string
	for _, v := range strings.Split(getenv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getduration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Load 读取环境变量（先合并工作目录下的 .env），非法数值回落到默认值。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 60),
		Backend:               getenv("STORE_BACKEND", BackendMemory),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=d8byte port=5432 sslmode=disable TimeZone=UTC"),
		MongoURI:              getenv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDatabase:         getenv("MONGO_DATABASE", "d8byte"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getenv("REDIS_PASSWORD", ""),
		TypingQuietPeriod:     getduration("TYPING_QUIET_PERIOD", 500*time.Millisecond),
		TypingTTL:             getduration("TYPING_TTL", 5*time.Second),
		PresenceTTL:           getduration("PRESENCE_TTL", 60*time.Second),
		PresenceSweepCron:     getenv("PRESENCE_SWEEP_CRON", "* * * * *"),
		BotsFile:              getenv("BOTS_FILE", ""),
		SeedFile:              getenv("SEED_FILE", ""),
		CORSOrigins:           getlist("CORS_ORIGINS"),
	}
}

// Validate 在启动前检查配置，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	switch cfg.Backend {
	case BackendMemory:
	case BackendRemote:
		if cfg.DatabaseDSN == "" {
			return errors.New("config: DATABASE_DSN is required for remote backend")
		}
		if cfg.MongoURI == "" || cfg.MongoDatabase == "" {
			return errors.New("config: MONGO_URI and MONGO_DATABASE are required for remote backend")
		}
		if cfg.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required for remote backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", cfg.Backend)
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT_SECRET outside dev")
	}
	if cfg.TypingQuietPeriod <= 0 || cfg.TypingTTL <= 0 || cfg.PresenceTTL <= 0 {
		return errors.New("config: durations must be positive")
	}
	if cfg.TypingTTL < cfg.TypingQuietPeriod {
		return errors.New("config: TYPING_TTL shorter than TYPING_QUIET_PERIOD")
	}
	cron := gronx.New()
	if !cron.IsValid(cfg.PresenceSweepCron) {
		return fmt.Errorf("config: invalid PRESENCE_SWEEP_CRON %q", cfg.PresenceSweepCron)
	}
	return nil
}
