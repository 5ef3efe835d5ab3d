package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/wifivoucher/backend/internal/config"
	"github.com/wifivoucher/backend/internal/coordinator"
	"github.com/wifivoucher/backend/internal/database"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/models"
	"github.com/wifivoucher/backend/internal/services"
)

type VoucherHandler struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
}

func NewVoucherHandler(cfg *config.Config, l *ledger.Ledger, coord *coordinator.Coordinator) *VoucherHandler {
	return &VoucherHandler{cfg: cfg, ledger: l, coord: coord}
}

type IssueRequest struct {
	Count          int    `json:"count"`
	DurationHours  int    `json:"duration_hours"`
	DataLimitMB    *int64 `json:"data_limit_mb"`
	SpeedLimitKbps *int   `json:"speed_limit_kbps"`
	AllowedRouters []uint `json:"allowed_routers"`
	RedeemByDays   int    `json:"redeem_by_days"`
}

// Issue creates a batch of vouchers sharing grant parameters
func (h *VoucherHandler) Issue(c *fiber.Ctx) error {
	var req IssueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.RedeemByDays == 0 {
		req.RedeemByDays = h.cfg.RedeemByDays
	}

	batchID, vouchers, err := h.ledger.IssueBatch(ledger.BatchParams{
		Count:          req.Count,
		DurationHours:  req.DurationHours,
		DataLimitMB:    req.DataLimitMB,
		SpeedLimitKbps: req.SpeedLimitKbps,
		AllowedRouters: req.AllowedRouters,
		RedeemByDays:   req.RedeemByDays,
		PortalBaseURL:  h.cfg.PortalBaseURL,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidGrant) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to issue batch",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":  true,
		"batch_id": batchID,
		"count":    len(vouchers),
		"data":     vouchers,
	})
}

// List returns vouchers with pagination and filters
func (h *VoucherHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 25)
	status := c.Query("status", "")
	batchID := c.Query("batch_id", "")

	if page < 1 {
		page = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	query := database.DB.Model(&models.Voucher{})

	if status != "" {
		query = query.Where("status = ?", status)
	}
	if batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}

	var total int64
	query.Count(&total)

	var vouchers []models.Voucher
	query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&vouchers)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    vouchers,
		"meta": fiber.Map{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// Get returns a single voucher
func (h *VoucherHandler) Get(c *fiber.Ctx) error {
	code := coordinator.NormalizeCode(c.Params("code"))

	voucher, err := h.ledger.GetByCode(code)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Voucher not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    voucher,
	})
}

// GetBatches returns per-batch aggregates
func (h *VoucherHandler) GetBatches(c *fiber.Ctx) error {
	type BatchInfo struct {
		BatchID string `json:"batch_id"`
		Total   int64  `json:"total"`
		Pending int64  `json:"pending"`
		Active  int64  `json:"active"`
		Expired int64  `json:"expired"`
	}

	var batches []string
	database.DB.Model(&models.Voucher{}).Distinct("batch_id").Order("batch_id").Pluck("batch_id", &batches)

	result := make([]BatchInfo, 0, len(batches))
	for _, batchID := range batches {
		var info BatchInfo
		info.BatchID = batchID
		database.DB.Model(&models.Voucher{}).Where("batch_id = ?", batchID).Count(&info.Total)
		database.DB.Model(&models.Voucher{}).Where("batch_id = ? AND status = ?", batchID, models.VoucherPending).Count(&info.Pending)
		database.DB.Model(&models.Voucher{}).Where("batch_id = ? AND status = ?", batchID, models.VoucherActive).Count(&info.Active)
		database.DB.Model(&models.Voucher{}).Where("batch_id = ? AND status = ?", batchID, models.VoucherExpired).Count(&info.Expired)

		result = append(result, info)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// ExportCSV streams a batch as a CSV download
func (h *VoucherHandler) ExportCSV(c *fiber.Ctx) error {
	batchID := c.Params("batch")

	vouchers, err := h.batchVouchers(batchID)
	if err != nil {
		return err
	}
	if len(vouchers) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Batch not found",
		})
	}

	data, err := services.BuildBatchCSV(vouchers)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to build CSV",
		})
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="vouchers_%s.csv"`, batchID))
	return c.Send(data)
}

// UploadCSV pushes a batch export to the configured FTP dropbox
func (h *VoucherHandler) UploadCSV(c *fiber.Ctx) error {
	batchID := c.Params("batch")

	vouchers, err := h.batchVouchers(batchID)
	if err != nil {
		return err
	}
	if len(vouchers) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Batch not found",
		})
	}

	data, err := services.BuildBatchCSV(vouchers)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to build CSV",
		})
	}

	filename, err := services.UploadBatchCSV(h.cfg, batchID, data)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"filename": filename,
	})
}

func (h *VoucherHandler) batchVouchers(batchID string) ([]models.Voucher, error) {
	var vouchers []models.Voucher
	err := database.DB.Where("batch_id = ?", batchID).Order("code").Find(&vouchers).Error
	return vouchers, err
}

// Reset returns a used voucher to pending so it can be redeemed again
func (h *VoucherHandler) Reset(c *fiber.Ctx) error {
	code := coordinator.NormalizeCode(c.Params("code"))

	if err := h.ledger.Reset(code); err != nil {
		return h.adminError(c, err, "Active vouchers must be disconnected before reset")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Voucher reset to pending",
	})
}

// Disable withdraws a voucher that has not been redeemed
func (h *VoucherHandler) Disable(c *fiber.Ctx) error {
	code := coordinator.NormalizeCode(c.Params("code"))

	if err := h.ledger.Disable(code); err != nil {
		return h.adminError(c, err, "Active vouchers must be disconnected before disabling")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Voucher disabled",
	})
}

// Disconnect force-terminates an active session: router state is revoked
// best effort, then the ledger transition is unconditional
func (h *VoucherHandler) Disconnect(c *fiber.Ctx) error {
	code := coordinator.NormalizeCode(c.Params("code"))

	voucher, err := h.ledger.GetByCode(code)
	if err != nil {
		return h.adminError(c, err, "")
	}
	if voucher.Status != models.VoucherActive {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Voucher has no active session",
		})
	}

	revokeErr := h.coord.Revoke(c.Context(), voucher)

	transitioned, err := h.ledger.Expire(code)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to expire session",
		})
	}

	resp := fiber.Map{
		"success":      true,
		"disconnected": transitioned,
	}
	if revokeErr != nil {
		resp["warning"] = fmt.Sprintf("session expired but some routers still hold state: %v", revokeErr)
	}
	return c.JSON(resp)
}

// Delete removes a voucher that never went active
func (h *VoucherHandler) Delete(c *fiber.Ctx) error {
	code := coordinator.NormalizeCode(c.Params("code"))

	voucher, err := h.ledger.GetByCode(code)
	if err != nil {
		return h.adminError(c, err, "")
	}
	if voucher.Status == models.VoucherActive {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Cannot delete a voucher with an active session",
		})
	}

	database.DB.Delete(voucher)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Voucher deleted",
	})
}

// DeleteBatch deletes all pending vouchers in a batch
func (h *VoucherHandler) DeleteBatch(c *fiber.Ctx) error {
	batchID := c.Params("batch")

	result := database.DB.Where("batch_id = ? AND status = ?", batchID, models.VoucherPending).
		Delete(&models.Voucher{})

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Deleted %d vouchers from batch", result.RowsAffected),
	})
}

func (h *VoucherHandler) adminError(c *fiber.Ctx, err error, conflictMsg string) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Voucher not found",
		})
	case errors.Is(err, ledger.ErrInvalidState):
		if conflictMsg == "" {
			conflictMsg = "Operation not valid in the voucher's current state"
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": conflictMsg,
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Internal server error",
		})
	}
}
