package handlers

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wifivoucher/backend/internal/config"
	"github.com/wifivoucher/backend/internal/database"
	"github.com/wifivoucher/backend/internal/middleware"
)

// LoginAttempt tracks failed login attempts per IP
type LoginAttempt struct {
	Count     int
	LastTry   time.Time
	BlockedAt *time.Time
}

const (
	maxLoginAttempts = 5
	loginBlockWindow = 15 * time.Minute
)

var (
	loginAttempts = make(map[string]*LoginAttempt)
	attemptsMutex sync.Mutex
)

// isIPBlocked checks if IP has too many failed attempts
func isIPBlocked(ip string) (bool, int) {
	attemptsMutex.Lock()
	defer attemptsMutex.Unlock()

	attempt, exists := loginAttempts[ip]
	if !exists {
		return false, 0
	}

	if attempt.BlockedAt != nil {
		if time.Since(*attempt.BlockedAt) < loginBlockWindow {
			remaining := int(loginBlockWindow.Minutes() - time.Since(*attempt.BlockedAt).Minutes())
			return true, remaining
		}
		delete(loginAttempts, ip)
		return false, 0
	}

	if time.Since(attempt.LastTry) > loginBlockWindow {
		delete(loginAttempts, ip)
		return false, 0
	}

	return attempt.Count >= maxLoginAttempts, 0
}

// recordFailedAttempt records a failed login attempt
func recordFailedAttempt(ip string) int {
	attemptsMutex.Lock()
	defer attemptsMutex.Unlock()

	if _, exists := loginAttempts[ip]; !exists {
		loginAttempts[ip] = &LoginAttempt{}
	}

	loginAttempts[ip].Count++
	loginAttempts[ip].LastTry = time.Now()

	if loginAttempts[ip].Count >= maxLoginAttempts {
		now := time.Now()
		loginAttempts[ip].BlockedAt = &now
	}

	return maxLoginAttempts - loginAttempts[ip].Count
}

func clearFailedAttempts(ip string) {
	attemptsMutex.Lock()
	defer attemptsMutex.Unlock()
	delete(loginAttempts, ip)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthHandler struct {
	cfg          *config.Config
	passwordHash []byte
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	// Hash the configured password once so login compares hashes instead of
	// plaintext
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("Auth: failed to hash admin password: %v", err)
	}
	return &AuthHandler{cfg: cfg, passwordHash: hash}
}

// Login handles admin login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	clientIP := c.IP()

	if blocked, remaining := isIPBlocked(clientIP); blocked {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"success": false,
			"message": "Too many failed login attempts. Please try again in " + strconv.Itoa(remaining) + " minutes",
		})
	}

	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Username and password are required",
		})
	}

	if req.Username != h.cfg.AdminUsername ||
		bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)) != nil {
		remaining := recordFailedAttempt(clientIP)
		msg := "Invalid username or password"
		if remaining > 0 {
			msg += ". " + strconv.Itoa(remaining) + " attempts remaining"
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": msg,
		})
	}

	clearFailedAttempts(clientIP)

	token, err := middleware.GenerateToken(req.Username, h.cfg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to generate token",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
		"user":    fiber.Map{"username": req.Username},
	})
}

// Logout blacklists the presented token for its remaining lifetime
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	tokenString, _ := c.Locals("token").(string)
	if tokenString != "" {
		ttl := time.Duration(h.cfg.JWTExpireHours) * time.Hour
		if token, err := jwt.ParseWithClaims(tokenString, &middleware.JWTClaims{}, func(t *jwt.Token) (interface{}, error) {
			return []byte(h.cfg.JWTSecret), nil
		}); err == nil {
			if claims, ok := token.Claims.(*middleware.JWTClaims); ok && claims.ExpiresAt != nil {
				ttl = time.Until(claims.ExpiresAt.Time)
			}
		}
		if ttl > 0 {
			database.BlacklistToken(tokenString, ttl)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Logged out successfully",
	})
}

// Me returns the authenticated admin identity
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"user":    fiber.Map{"username": middleware.GetCurrentUsername(c)},
	})
}
