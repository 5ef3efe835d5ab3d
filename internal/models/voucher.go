package models

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// VoucherStatus tracks a voucher through its lifecycle.
// pending -> active happens at most once (redemption); active -> expired is
// one-way; reset returns an expired/disabled voucher to pending.
type VoucherStatus string

const (
	VoucherPending  VoucherStatus = "pending"
	VoucherActive   VoucherStatus = "active"
	VoucherExpired  VoucherStatus = "expired"
	VoucherDisabled VoucherStatus = "disabled"
)

// Code alphabet excludes visually ambiguous characters (0/O, 1/I)
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the generated voucher code length
const CodeLength = 8

// Voucher represents one grantable unit of network access
type Voucher struct {
	ID      uint          `gorm:"column:id;primaryKey" json:"id"`
	Code    string        `gorm:"column:code;size:20;not null;uniqueIndex" json:"code"`
	BatchID string        `gorm:"column:batch_id;size:50;index" json:"batch_id"`
	Status  VoucherStatus `gorm:"column:status;size:20;default:pending;index" json:"status"`

	// Grant parameters, immutable once issued
	DurationHours  int             `gorm:"column:duration_hours;default:24" json:"duration_hours"`
	DataLimitMB    *int64          `gorm:"column:data_limit_mb" json:"data_limit_mb"`       // nil = unlimited
	SpeedLimitKbps *int            `gorm:"column:speed_limit_kbps" json:"speed_limit_kbps"` // nil = uncapped
	AllowedRouters json.RawMessage `gorm:"column:allowed_routers;type:json" json:"allowed_routers"` // JSON array of router IDs, null = all

	// Redeem-by deadline for pending vouchers
	RedeemBy *time.Time `gorm:"column:redeem_by" json:"redeem_by"`

	// Session state, populated at redemption
	SessionToken string     `gorm:"column:session_token;size:100" json:"-"`
	SessionStart *time.Time `gorm:"column:session_start" json:"session_start"`
	SessionEnd   *time.Time `gorm:"column:session_end;index" json:"session_end"`
	ClientMAC    string     `gorm:"column:client_mac;size:17" json:"client_mac"`
	ClientIP     string     `gorm:"column:client_ip;size:45" json:"client_ip"`

	// Usage tracking
	DataUsedBytes int64 `gorm:"column:data_used_bytes;default:0" json:"data_used_bytes"`

	// QR payload (captive portal URL); image rendering is external
	QRCodeData string `gorm:"column:qr_code_data;size:255" json:"qr_code_data"`

	CreatedBy *uint          `gorm:"column:created_by" json:"created_by"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Voucher) TableName() string {
	return "vouchers"
}

// GenerateCode produces a random voucher code from the unambiguous alphabet
func GenerateCode() string {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for code issuance
		panic(err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf)
}

// GenerateSessionToken mints an opaque token handed to the client on redemption
func GenerateSessionToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// AllowedRouterIDs decodes the allowed-router restriction; nil means all routers
func (v *Voucher) AllowedRouterIDs() []uint {
	if len(v.AllowedRouters) == 0 {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal(v.AllowedRouters, &ids); err != nil {
		return nil
	}
	return ids
}

// DataLimitBytes returns the quota in bytes, 0 when unlimited
func (v *Voucher) DataLimitBytes() int64 {
	if v.DataLimitMB == nil {
		return 0
	}
	return *v.DataLimitMB * 1024 * 1024
}

// QuotaExceeded reports whether cumulative usage crossed the data limit
func (v *Voucher) QuotaExceeded() bool {
	limit := v.DataLimitBytes()
	return limit > 0 && v.DataUsedBytes >= limit
}
