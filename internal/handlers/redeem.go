package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/wifivoucher/backend/internal/coordinator"
	"github.com/wifivoucher/backend/internal/ledger"
)

// Stable machine-readable denial codes for the captive portal. Disabled
// vouchers deliberately report EXPIRED so the portal cannot distinguish an
// administratively killed code from a lapsed one.
const (
	DenialNotFound    = "NOT_FOUND"
	DenialAlreadyUsed = "ALREADY_USED"
	DenialExpired     = "EXPIRED"
)

type RedeemRequest struct {
	Code      string `json:"code"`
	ClientMAC string `json:"client_mac"`
	ClientIP  string `json:"client_ip"`
}

// RedeemHandler serves the unauthenticated captive-portal surface
type RedeemHandler struct {
	coord  *coordinator.Coordinator
	ledger *ledger.Ledger
}

func NewRedeemHandler(coord *coordinator.Coordinator, l *ledger.Ledger) *RedeemHandler {
	return &RedeemHandler{coord: coord, ledger: l}
}

// Redeem activates a voucher code for the calling client
func (h *RedeemHandler) Redeem(c *fiber.Ctx) error {
	var req RedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = c.IP()
	}

	session, err := h.coord.Redeem(c.Context(), req.Code, req.ClientMAC, clientIP)
	if err != nil {
		return h.denial(c, err)
	}

	resp := fiber.Map{
		"success":       true,
		"code":          session.Code,
		"session_token": session.Token,
		"started_at":    session.StartedAt,
		"expires_at":    session.ExpiresAt,
	}
	if session.DataLimitMB != nil {
		resp["data_limit_mb"] = *session.DataLimitMB
	}
	if session.SpeedLimit != nil {
		resp["speed_limit_kbps"] = *session.SpeedLimit
	}
	return c.JSON(resp)
}

// Usage reports remaining allowance for an active session
func (h *RedeemHandler) Usage(c *fiber.Ctx) error {
	code := coordinator.NormalizeCode(c.Params("code"))

	voucher, err := h.ledger.GetByCode(code)
	if err != nil {
		return h.denial(c, err)
	}

	resp := fiber.Map{
		"success":         true,
		"code":            voucher.Code,
		"status":          voucher.Status,
		"data_used_bytes": voucher.DataUsedBytes,
	}
	if voucher.SessionEnd != nil {
		resp["expires_at"] = voucher.SessionEnd
	}
	if limit := voucher.DataLimitBytes(); limit > 0 {
		remaining := limit - voucher.DataUsedBytes
		if remaining < 0 {
			remaining = 0
		}
		resp["data_limit_bytes"] = limit
		resp["data_remaining_bytes"] = remaining
	}
	return c.JSON(resp)
}

// denial maps ledger errors to stable denial codes. Wrong or unknown codes
// all collapse to NOT_FOUND so responses never leak which codes exist.
func (h *RedeemHandler) denial(c *fiber.Ctx, err error) error {
	status := fiber.StatusNotFound
	code := DenialNotFound

	switch {
	case errors.Is(err, coordinator.ErrBadCode), errors.Is(err, ledger.ErrNotFound):
		// defaults
	case errors.Is(err, ledger.ErrAlreadyConsumed):
		status, code = fiber.StatusConflict, DenialAlreadyUsed
	case errors.Is(err, ledger.ErrExpired), errors.Is(err, ledger.ErrDisabled):
		status, code = fiber.StatusGone, DenialExpired
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Internal server error",
		})
	}

	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"code":    code,
	})
}
