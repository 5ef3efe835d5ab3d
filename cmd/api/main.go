package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"

	"github.com/wifivoucher/backend/internal/config"
	"github.com/wifivoucher/backend/internal/coordinator"
	"github.com/wifivoucher/backend/internal/database"
	"github.com/wifivoucher/backend/internal/handlers"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/middleware"
	"github.com/wifivoucher/backend/internal/models"
	"github.com/wifivoucher/backend/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	voucherLedger := ledger.New(database.DB)
	coord := coordinator.New(database.DB, voucherLedger, cfg.ProvisionTimeout)

	// Start the enforcement loop (expiry + quota sweeps)
	supervisor := services.NewSessionSupervisor(voucherLedger, coord, cfg.SupervisorInterval)
	supervisor.Start()

	// Start the provisioning retry worker
	retryWorker := services.NewProvisionRetryService(database.DB, voucherLedger, coord, cfg.RetryInterval)
	retryWorker.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "WiFiVoucher API v1.0",
		ServerHeader: "WiFiVoucher",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(middleware.Recovery())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "wifivoucher-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	redeemHandler := handlers.NewRedeemHandler(coord, voucherLedger)
	voucherHandler := handlers.NewVoucherHandler(cfg, voucherLedger, coord)
	routerHandler := handlers.NewRouterHandler(cfg)

	// API routes
	api := app.Group("/api")
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes: captive portal redemption and admin login. Redemption
	// gets a tighter limit to slow down code guessing.
	api.Post("/auth/login", authHandler.Login)
	portal := api.Group("/portal", middleware.RateLimiter(20, 1*time.Minute))
	portal.Post("/redeem", redeemHandler.Redeem)
	portal.Get("/sessions/:code", redeemHandler.Usage)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg))

	// Auth routes
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)

	// Voucher routes
	vouchers := protected.Group("/vouchers")
	vouchers.Get("/", voucherHandler.List)
	vouchers.Post("/", voucherHandler.Issue)
	vouchers.Get("/batches", voucherHandler.GetBatches)
	vouchers.Get("/batches/:batch/export", voucherHandler.ExportCSV)
	vouchers.Post("/batches/:batch/upload", voucherHandler.UploadCSV)
	vouchers.Delete("/batches/:batch", voucherHandler.DeleteBatch)
	vouchers.Get("/:code", voucherHandler.Get)
	vouchers.Post("/:code/reset", voucherHandler.Reset)
	vouchers.Post("/:code/disable", voucherHandler.Disable)
	vouchers.Post("/:code/disconnect", voucherHandler.Disconnect)
	vouchers.Delete("/:code", voucherHandler.Delete)

	// Router routes
	routers := protected.Group("/routers")
	routers.Get("/", routerHandler.List)
	routers.Get("/:id", routerHandler.Get)
	routers.Post("/", routerHandler.Create)
	routers.Put("/:id", routerHandler.Update)
	routers.Delete("/:id", routerHandler.Delete)
	routers.Post("/:id/test", routerHandler.TestConnection)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		supervisor.Stop()
		retryWorker.Stop()
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting WiFiVoucher API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
