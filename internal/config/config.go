package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Database connection retry policy (startup races against the DB
	// container coming up)
	DBConnectRetries int
	DBConnectBackoff time.Duration

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Admin bootstrap account
	AdminUsername string
	AdminPassword string

	// Portal base URL embedded in voucher QR payloads
	PortalBaseURL string

	// Voucher defaults
	RedeemByDays int // days a pending voucher stays redeemable

	// Supervisor / provisioning
	SupervisorInterval time.Duration
	RetryInterval      time.Duration
	ProvisionTimeout   time.Duration
	ProbeTimeout       time.Duration

	// FTP dropbox for batch CSV exports
	FTPHost     string
	FTPPort     int
	FTPUsername string
	FTPPassword string
	FTPPath     string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a hostname-based value if crypto/rand fails
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32) // 64 character hex string
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	adminPassword := getEnv("ADMIN_PASSWORD", "")
	if adminPassword == "" {
		log.Println("WARNING: ADMIN_PASSWORD not set - using insecure default!")
		adminPassword = "changeme"
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "wifivoucher"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "wifivoucher"),

		DBConnectRetries: getEnvInt("DB_CONNECT_RETRIES", 30),
		DBConnectBackoff: getEnvSeconds("DB_CONNECT_BACKOFF_SECONDS", 2),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// Admin bootstrap
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: adminPassword,

		PortalBaseURL: getEnv("PORTAL_BASE_URL", "http://localhost:8080"),

		RedeemByDays: getEnvInt("VOUCHER_REDEEM_BY_DAYS", 30),

		SupervisorInterval: getEnvSeconds("SUPERVISOR_INTERVAL_SECONDS", 30),
		RetryInterval:      getEnvSeconds("PROVISION_RETRY_INTERVAL_SECONDS", 60),
		ProvisionTimeout:   getEnvSeconds("PROVISION_TIMEOUT_SECONDS", 10),
		ProbeTimeout:       getEnvSeconds("PROBE_TIMEOUT_SECONDS", 5),

		// FTP
		FTPHost:     getEnv("FTP_HOST", ""),
		FTPPort:     getEnvInt("FTP_PORT", 21),
		FTPUsername: getEnv("FTP_USERNAME", ""),
		FTPPassword: getEnv("FTP_PASSWORD", ""),
		FTPPath:     getEnv("FTP_PATH", "/vouchers"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
