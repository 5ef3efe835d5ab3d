// Package ledger owns voucher records and their state transitions. It is the
// single source of truth for voucher validity; router-side state is only ever
// reconciled against it, never the other way around.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wifivoucher/backend/internal/models"
)

var (
	ErrNotFound        = errors.New("voucher not found")
	ErrAlreadyConsumed = errors.New("voucher already consumed")
	ErrExpired         = errors.New("voucher expired")
	ErrDisabled        = errors.New("voucher disabled")
	ErrInvalidState    = errors.New("invalid voucher state for operation")
	ErrInvalidGrant    = errors.New("invalid grant parameters")
)

const (
	MaxBatchSize     = 1000
	MaxDurationHours = 8760 // one year
)

// BatchParams describes the shared grant parameters of a voucher batch
type BatchParams struct {
	Count          int
	DurationHours  int
	DataLimitMB    *int64
	SpeedLimitKbps *int
	AllowedRouters []uint
	RedeemByDays   int    // 0 = no redeem-by deadline
	PortalBaseURL  string // embedded in QR payloads
	CreatedBy      *uint
}

// Session is the descriptor returned to a client on successful redemption
type Session struct {
	Code        string
	Token       string
	ClientMAC   string
	ClientIP    string
	StartedAt   time.Time
	ExpiresAt   time.Time
	DataLimitMB *int64
	SpeedLimit  *int
	UsedBytes   int64
}

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// IssueBatch creates count vouchers sharing grant parameters and a batch id.
// Codes are generated from the unambiguous alphabet and re-rolled on
// collision against already-issued codes.
func (l *Ledger) IssueBatch(params BatchParams) (string, []models.Voucher, error) {
	if params.Count < 1 || params.Count > MaxBatchSize {
		return "", nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidGrant, MaxBatchSize)
	}
	if params.DurationHours < 1 || params.DurationHours > MaxDurationHours {
		return "", nil, fmt.Errorf("%w: duration must be between 1 and %d hours", ErrInvalidGrant, MaxDurationHours)
	}
	if params.DataLimitMB != nil && *params.DataLimitMB <= 0 {
		return "", nil, fmt.Errorf("%w: data limit must be positive", ErrInvalidGrant)
	}
	if params.SpeedLimitKbps != nil && *params.SpeedLimitKbps <= 0 {
		return "", nil, fmt.Errorf("%w: speed limit must be positive", ErrInvalidGrant)
	}

	batchID := strings.ToUpper(uuid.New().String()[:8])

	codes, err := l.generateCodes(params.Count)
	if err != nil {
		return "", nil, err
	}

	var allowed []byte
	if len(params.AllowedRouters) > 0 {
		allowed, _ = json.Marshal(params.AllowedRouters)
	}

	var redeemBy *time.Time
	if params.RedeemByDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, params.RedeemByDays)
		redeemBy = &t
	}

	vouchers := make([]models.Voucher, 0, params.Count)
	for _, code := range codes {
		v := models.Voucher{
			Code:           code,
			BatchID:        batchID,
			Status:         models.VoucherPending,
			DurationHours:  params.DurationHours,
			DataLimitMB:    params.DataLimitMB,
			SpeedLimitKbps: params.SpeedLimitKbps,
			AllowedRouters: allowed,
			RedeemBy:       redeemBy,
			CreatedBy:      params.CreatedBy,
		}
		if params.PortalBaseURL != "" {
			v.QRCodeData = fmt.Sprintf("%s/captive?code=%s", params.PortalBaseURL, code)
		}
		vouchers = append(vouchers, v)
	}

	if err := l.db.Create(&vouchers).Error; err != nil {
		return "", nil, fmt.Errorf("failed to insert voucher batch: %w", err)
	}

	return batchID, vouchers, nil
}

// generateCodes produces count unique codes, re-rolling any that collide
// within the batch or with existing vouchers
func (l *Ledger) generateCodes(count int) ([]string, error) {
	const maxPasses = 10

	seen := make(map[string]struct{}, count)
	codes := make([]string, 0, count)
	for len(codes) < count {
		code := models.GenerateCode()
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	for pass := 0; pass < maxPasses; pass++ {
		var existing []string
		if err := l.db.Model(&models.Voucher{}).Unscoped().
			Where("code IN ?", codes).Pluck("code", &existing).Error; err != nil {
			return nil, fmt.Errorf("collision check failed: %w", err)
		}
		if len(existing) == 0 {
			return codes, nil
		}

		taken := make(map[string]struct{}, len(existing))
		for _, c := range existing {
			taken[c] = struct{}{}
		}
		for i, c := range codes {
			if _, collides := taken[c]; !collides {
				continue
			}
			for {
				fresh := models.GenerateCode()
				if _, dup := seen[fresh]; dup {
					continue
				}
				seen[fresh] = struct{}{}
				codes[i] = fresh
				break
			}
		}
	}

	return nil, errors.New("could not generate collision-free codes")
}

// Redeem atomically transitions a pending voucher to active and binds the
// client. The transition is a single conditional UPDATE so that concurrent
// redemptions of the same code yield exactly one success.
func (l *Ledger) Redeem(code, clientMAC, clientIP string) (*Session, error) {
	var v models.Voucher
	if err := l.db.Where("code = ?", code).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("voucher lookup failed: %w", err)
	}

	now := time.Now().UTC()

	switch v.Status {
	case models.VoucherPending:
		// fall through to the conditional update
	case models.VoucherActive:
		return nil, ErrAlreadyConsumed
	case models.VoucherExpired:
		return nil, ErrExpired
	case models.VoucherDisabled:
		return nil, ErrDisabled
	default:
		return nil, ErrInvalidState
	}

	if v.RedeemBy != nil && v.RedeemBy.Before(now) {
		// Lapse the pending voucher; conditional so a racing redeem wins cleanly
		l.db.Model(&models.Voucher{}).
			Where("code = ? AND status = ?", code, models.VoucherPending).
			Update("status", models.VoucherExpired)
		return nil, ErrExpired
	}

	token := models.GenerateSessionToken()
	end := now.Add(time.Duration(v.DurationHours) * time.Hour)

	res := l.db.Model(&models.Voucher{}).
		Where("code = ? AND status = ?", code, models.VoucherPending).
		Updates(map[string]interface{}{
			"status":        models.VoucherActive,
			"session_token": token,
			"session_start": now,
			"session_end":   end,
			"client_mac":    clientMAC,
			"client_ip":     clientIP,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("redemption update failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, l.lostRaceError(code)
	}

	return &Session{
		Code:        v.Code,
		Token:       token,
		ClientMAC:   clientMAC,
		ClientIP:    clientIP,
		StartedAt:   now,
		ExpiresAt:   end,
		DataLimitMB: v.DataLimitMB,
		SpeedLimit:  v.SpeedLimitKbps,
	}, nil
}

// lostRaceError reports the truthful denial after a conditional redemption
// update matched no row. The concurrent winner is usually another redeemer,
// but a redeem-by lapse or an admin disable can land in the same window.
func (l *Ledger) lostRaceError(code string) error {
	var v models.Voucher
	if err := l.db.Where("code = ?", code).First(&v).Error; err != nil {
		return ErrAlreadyConsumed
	}
	switch v.Status {
	case models.VoucherExpired:
		return ErrExpired
	case models.VoucherDisabled:
		return ErrDisabled
	}
	return ErrAlreadyConsumed
}

// RecordUsage adds deltaBytes to a voucher's cumulative consumption. It is a
// silent no-op when the voucher is no longer active (expiry already fired).
// Returns the new total and whether the data quota is now exceeded.
func (l *Ledger) RecordUsage(code string, deltaBytes int64) (int64, bool, error) {
	if deltaBytes > 0 {
		res := l.db.Model(&models.Voucher{}).
			Where("code = ? AND status = ?", code, models.VoucherActive).
			Update("data_used_bytes", gorm.Expr("data_used_bytes + ?", deltaBytes))
		if res.Error != nil {
			return 0, false, fmt.Errorf("usage update failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, false, nil
		}
	}

	var v models.Voucher
	if err := l.db.Where("code = ?", code).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("usage readback failed: %w", err)
	}

	return v.DataUsedBytes, v.QuotaExceeded(), nil
}

// Expire transitions an active voucher to expired. Idempotent: expiring a
// voucher that is not active returns false, never an error.
func (l *Ledger) Expire(code string) (bool, error) {
	now := time.Now().UTC()

	res := l.db.Model(&models.Voucher{}).
		Where("code = ? AND status = ?", code, models.VoucherActive).
		Update("status", models.VoucherExpired)
	if res.Error != nil {
		return false, fmt.Errorf("expire failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	// Early terminations (quota breach, admin disconnect) record the actual
	// end; natural time expiry keeps the deterministic session_end.
	l.db.Model(&models.Voucher{}).
		Where("code = ? AND session_end > ?", code, now).
		Update("session_end", now)

	return true, nil
}

// Reset is an administrative action: it clears usage and session fields and
// returns the voucher to pending. An active voucher must be disconnected
// first, otherwise a live session would be orphaned.
func (l *Ledger) Reset(code string) error {
	var v models.Voucher
	if err := l.db.Where("code = ?", code).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("voucher lookup failed: %w", err)
	}

	if v.Status == models.VoucherActive {
		return ErrInvalidState
	}

	res := l.db.Model(&models.Voucher{}).
		Where("code = ? AND status <> ?", code, models.VoucherActive).
		Updates(map[string]interface{}{
			"status":          models.VoucherPending,
			"session_token":   "",
			"session_start":   nil,
			"session_end":     nil,
			"client_mac":      "",
			"client_ip":       "",
			"data_used_bytes": 0,
			"redeem_by":       nil,
		})
	if res.Error != nil {
		return fmt.Errorf("reset failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Voucher went active between the read and the update
		return ErrInvalidState
	}
	return nil
}

// Disable withdraws a voucher that has not been redeemed. Active vouchers
// must be disconnected (expired) first.
func (l *Ledger) Disable(code string) error {
	var v models.Voucher
	if err := l.db.Where("code = ?", code).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("voucher lookup failed: %w", err)
	}

	if v.Status == models.VoucherActive {
		return ErrInvalidState
	}

	res := l.db.Model(&models.Voucher{}).
		Where("code = ? AND status <> ?", code, models.VoucherActive).
		Update("status", models.VoucherDisabled)
	if res.Error != nil {
		return fmt.Errorf("disable failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// GetByCode fetches a voucher for read-only projections
func (l *Ledger) GetByCode(code string) (*models.Voucher, error) {
	var v models.Voucher
	if err := l.db.Where("code = ?", code).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListActive returns all currently active vouchers in one snapshot query
func (l *Ledger) ListActive() ([]models.Voucher, error) {
	var vouchers []models.Voucher
	if err := l.db.Where("status = ?", models.VoucherActive).Find(&vouchers).Error; err != nil {
		return nil, fmt.Errorf("active snapshot failed: %w", err)
	}
	return vouchers, nil
}

// ListActiveExpiredBy returns active vouchers whose session deadline has
// passed as of the given instant. The timestamp bound keeps one supervisor
// tick operating on a consistent snapshot.
func (l *Ledger) ListActiveExpiredBy(asOf time.Time) ([]models.Voucher, error) {
	var vouchers []models.Voucher
	if err := l.db.Where("status = ? AND session_end <= ?", models.VoucherActive, asOf).
		Find(&vouchers).Error; err != nil {
		return nil, fmt.Errorf("expired snapshot failed: %w", err)
	}
	return vouchers, nil
}

// ListActiveMetered returns active, unexpired vouchers that carry a data
// quota and therefore need a usage probe
func (l *Ledger) ListActiveMetered(asOf time.Time) ([]models.Voucher, error) {
	var vouchers []models.Voucher
	if err := l.db.Where("status = ? AND session_end > ? AND data_limit_mb IS NOT NULL",
		models.VoucherActive, asOf).Find(&vouchers).Error; err != nil {
		return nil, fmt.Errorf("metered snapshot failed: %w", err)
	}
	return vouchers, nil
}
