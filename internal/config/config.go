package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	AutoMigrate              bool
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	SettingsCacheTTLSeconds  int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	ManagerPIN               string
	LogLevel                 string
	RequireOpenShift         bool
	OversellPolicy           string
	RefundReversesShift      bool
	RefundReversesLoyalty    bool
	SettlementMaxAttempts    int
	SettlementBackoffMS      int
	SessionIdleTimeoutMinute int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		AutoMigrate:              getBool("AUTO_MIGRATE", true),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		SettingsCacheTTLSeconds:  getPositiveInt("SETTINGS_CACHE_TTL_SECONDS", 60),
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:               strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:                 strings.ToLower(getEnv("LOG_LEVEL", "info")),
		RequireOpenShift:         getBool("REQUIRE_OPEN_SHIFT", false),
		OversellPolicy:           strings.ToLower(getEnv("OVERSELL_POLICY", "reject")),
		RefundReversesShift:      getBool("REFUND_REVERSES_SHIFT", true),
		RefundReversesLoyalty:    getBool("REFUND_REVERSES_LOYALTY", true),
		SettlementMaxAttempts:    getPositiveInt("SETTLEMENT_MAX_ATTEMPTS", 5),
		SettlementBackoffMS:      getPositiveInt("SETTLEMENT_BACKOFF_MS", 25),
		SessionIdleTimeoutMinute: getPositiveInt("SESSION_IDLE_TIMEOUT_MINUTES", 120),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
