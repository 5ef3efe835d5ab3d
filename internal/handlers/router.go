package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wifivoucher/backend/internal/config"
	"github.com/wifivoucher/backend/internal/database"
	"github.com/wifivoucher/backend/internal/gateway"
	"github.com/wifivoucher/backend/internal/models"
)

type RouterHandler struct {
	cfg        *config.Config
	newGateway gateway.Factory
}

func NewRouterHandler(cfg *config.Config) *RouterHandler {
	return &RouterHandler{cfg: cfg, newGateway: gateway.New}
}

// SetGatewayFactory overrides gateway construction (tests)
func (h *RouterHandler) SetGatewayFactory(f gateway.Factory) {
	h.newGateway = f
}

// List returns all routers
func (h *RouterHandler) List(c *fiber.Ctx) error {
	var routers []models.Router
	if err := database.DB.Order("name ASC").Find(&routers).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch routers",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    routers,
	})
}

// Get returns a single router
func (h *RouterHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid router ID",
		})
	}

	var router models.Router
	if err := database.DB.First(&router, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Router not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    router,
	})
}

type RouterRequest struct {
	Name           string              `json:"name"`
	Vendor         models.RouterVendor `json:"vendor"`
	IPAddress      string              `json:"ip_address"`
	Username       string              `json:"username"`
	Password       string              `json:"password"`
	APIPort        int                 `json:"api_port"`
	RadiusSecret   string              `json:"radius_secret"`
	CoAPort        int                 `json:"coa_port"`
	HotspotProfile string              `json:"hotspot_profile"`
	IsActive       *bool               `json:"is_active"`
}

func (r *RouterRequest) validate() string {
	if r.Name == "" {
		return "Name is required"
	}
	if r.IPAddress == "" {
		return "IP address is required"
	}
	switch r.Vendor {
	case models.VendorMikrotik, models.VendorUbiquiti, models.VendorCisco:
		if r.Username == "" {
			return "Username is required for this vendor"
		}
	case models.VendorRadius:
		if r.RadiusSecret == "" {
			return "RADIUS secret is required for this vendor"
		}
	default:
		return "Unknown vendor"
	}
	return ""
}

// Create registers a new router
func (h *RouterHandler) Create(c *fiber.Ctx) error {
	var req RouterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if msg := req.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": msg,
		})
	}

	router := models.Router{
		Name:           req.Name,
		Vendor:         req.Vendor,
		IPAddress:      req.IPAddress,
		Username:       req.Username,
		Password:       req.Password,
		APIPort:        req.APIPort,
		RadiusSecret:   req.RadiusSecret,
		CoAPort:        req.CoAPort,
		HotspotProfile: req.HotspotProfile,
		IsActive:       true,
	}
	if req.IsActive != nil {
		router.IsActive = *req.IsActive
	}

	if err := database.DB.Create(&router).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Router with this IP address already exists",
		})
	}

	database.InvalidateRouterCache()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    router,
	})
}

// Update modifies an existing router
func (h *RouterHandler) Update(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid router ID",
		})
	}

	var router models.Router
	if err := database.DB.First(&router, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Router not found",
		})
	}

	var req RouterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name != "" {
		router.Name = req.Name
	}
	if req.Vendor != "" {
		router.Vendor = req.Vendor
	}
	if req.IPAddress != "" {
		router.IPAddress = req.IPAddress
	}
	if req.Username != "" {
		router.Username = req.Username
	}
	if req.Password != "" {
		router.Password = req.Password
	}
	if req.APIPort != 0 {
		router.APIPort = req.APIPort
	}
	if req.RadiusSecret != "" {
		router.RadiusSecret = req.RadiusSecret
	}
	if req.CoAPort != 0 {
		router.CoAPort = req.CoAPort
	}
	if req.HotspotProfile != "" {
		router.HotspotProfile = req.HotspotProfile
	}
	if req.IsActive != nil {
		router.IsActive = *req.IsActive
	}

	if err := database.DB.Save(&router).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update router",
		})
	}

	database.InvalidateRouterCache()

	return c.JSON(fiber.Map{
		"success": true,
		"data":    router,
	})
}

// Delete removes a router
func (h *RouterHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid router ID",
		})
	}

	var router models.Router
	if err := database.DB.First(&router, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Router not found",
		})
	}

	if err := database.DB.Delete(&router).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete router",
		})
	}

	database.InvalidateRouterCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Router deleted",
	})
}

// TestConnection probes the router and records the result
func (h *RouterHandler) TestConnection(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid router ID",
		})
	}

	var router models.Router
	if err := database.DB.First(&router, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Router not found",
		})
	}

	gw, err := h.newGateway(&router)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(c.Context(), h.cfg.ProbeTimeout)
	defer cancel()

	reachable := gw.ProbeReachable(ctx)

	updates := map[string]interface{}{"is_online": reachable}
	if reachable {
		updates["last_seen"] = time.Now().UTC()
	}
	database.DB.Model(&router).Updates(updates)

	return c.JSON(fiber.Map{
		"success":   true,
		"reachable": reachable,
	})
}
