package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIPort string
	JWTKey  []byte
	JWTExp  time.Duration

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string
	DBConnStr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Sandbox limits (defaults; per-request values may lower but never raise them).
	ExecDefaultTimeoutMs   int
	ExecMaxTimeoutMs       int
	ExecDefaultMemoryKb    int
	ExecMaxMemoryKb        int
	ExecMaxCodeBytes       int
	ExecMaxInputBytes      int
	ExecMaxOutputBytes     int
	ExecPidsLimit          int
	ExecCPUQuotaMicros     int
	ExecMaxConcurrent      int

	// Constrained evaluator (in-process, battle test-case checks).
	EvalTimeoutMs      int
	EvalMaxArgBytes    int
	EvalMaxResultBytes int

	// Battles.
	BattleDefaultDurationMinutes int
	BattleMaxDurationMinutes     int
	RoomGracePeriodMinutes       int

	// Rate limiting.
	RateLimitGlobalRPS  float64
	RateLimitPerUserRPS float64
	RateLimitBurst      int
	RateLimitMaxKeys    int
	RateLimitKeyTTL     time.Duration
}

var AppConfig *Config

func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = &Config{
		APIPort:       getEnv("API_PORT", "8080"),
		JWTKey:        []byte(getEnv("JWT_SECRET", "defaultsecret")),
		JWTExp:        time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "user"),
		DBPassword:    getEnv("DB_PASSWORD", "password"),
		DBName:        getEnv("DB_NAME", "codebattle_db"),
		DBSslMode:     getEnv("DB_SSLMODE", "disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		ExecDefaultTimeoutMs: getEnvAsInt("EXEC_DEFAULT_TIMEOUT_MS", 5000),
		ExecMaxTimeoutMs:     getEnvAsInt("EXEC_MAX_TIMEOUT_MS", 15000),
		ExecDefaultMemoryKb:  getEnvAsInt("EXEC_DEFAULT_MEMORY_KB", 131072),
		ExecMaxMemoryKb:      getEnvAsInt("EXEC_MAX_MEMORY_KB", 262144),
		ExecMaxCodeBytes:     getEnvAsInt("EXEC_MAX_CODE_BYTES", 65536),
		ExecMaxInputBytes:    getEnvAsInt("EXEC_MAX_INPUT_BYTES", 65536),
		ExecMaxOutputBytes:   getEnvAsInt("EXEC_MAX_OUTPUT_BYTES", 1048576),
		ExecPidsLimit:        getEnvAsInt("EXEC_PIDS_LIMIT", 64),
		ExecCPUQuotaMicros:   getEnvAsInt("EXEC_CPU_QUOTA_MICROS", 100000),
		ExecMaxConcurrent:    getEnvAsInt("EXEC_MAX_CONCURRENT", 50),

		EvalTimeoutMs:      getEnvAsInt("EVAL_TIMEOUT_MS", 2000),
		EvalMaxArgBytes:    getEnvAsInt("EVAL_MAX_ARG_BYTES", 16384),
		EvalMaxResultBytes: getEnvAsInt("EVAL_MAX_RESULT_BYTES", 65536),

		BattleDefaultDurationMinutes: getEnvAsInt("BATTLE_DEFAULT_DURATION_MINUTES", 15),
		BattleMaxDurationMinutes:     getEnvAsInt("BATTLE_MAX_DURATION_MINUTES", 120),
		RoomGracePeriodMinutes:       getEnvAsInt("ROOM_GRACE_PERIOD_MINUTES", 60),

		RateLimitGlobalRPS:  float64(getEnvAsInt("RATE_LIMIT_GLOBAL_RPS", 100)),
		RateLimitPerUserRPS: float64(getEnvAsInt("RATE_LIMIT_PER_USER_RPS", 5)),
		RateLimitBurst:      getEnvAsInt("RATE_LIMIT_BURST", 10),
		RateLimitMaxKeys:    getEnvAsInt("RATE_LIMIT_MAX_KEYS", 10000),
		RateLimitKeyTTL:     time.Duration(getEnvAsInt("RATE_LIMIT_KEY_TTL_SECONDS", 600)) * time.Second,
	}

	AppConfig.DBConnStr = "host=" + AppConfig.DBHost +
		" port=" + AppConfig.DBPort +
		" user=" + AppConfig.DBUser +
		" password=" + AppConfig.DBPassword +
		" dbname=" + AppConfig.DBName +
		" sslmode=" + AppConfig.DBSslMode
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
