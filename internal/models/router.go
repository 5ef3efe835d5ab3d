package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RouterVendor identifies the gateway implementation used for a device
type RouterVendor string

const (
	VendorMikrotik RouterVendor = "mikrotik"
	VendorUbiquiti RouterVendor = "ubiquiti"
	VendorCisco    RouterVendor = "cisco"
	VendorRadius   RouterVendor = "radius" // generic CoA-capable NAS
)

// Router represents a configured physical device that enforces access.
// Reachability and the Redis applied-voucher set are advisory cache state;
// the voucher ledger stays authoritative.
type Router struct {
	ID        uint         `gorm:"column:id;primaryKey" json:"id"`
	Name      string       `gorm:"column:name;size:100;not null" json:"name"`
	Vendor    RouterVendor `gorm:"column:vendor;size:50;default:mikrotik" json:"vendor"`
	Model     string       `gorm:"column:model;size:100" json:"model"`
	IPAddress string       `gorm:"column:ip_address;size:50;not null;uniqueIndex" json:"ip_address"`

	// Management credentials
	Username string `gorm:"column:username;size:100" json:"username"`
	Password string `gorm:"column:password;size:255" json:"-"` // hidden from API responses
	APIPort  int    `gorm:"column:api_port" json:"api_port"`

	// RADIUS CoA (radius vendor kind)
	RadiusSecret string `gorm:"column:radius_secret;size:100" json:"-"`
	CoAPort      int    `gorm:"column:coa_port;default:3799" json:"coa_port"`

	// Hotspot profile applied to provisioned users (mikrotik)
	HotspotProfile string `gorm:"column:hotspot_profile;size:100;default:default" json:"hotspot_profile"`

	// Status (advisory)
	IsActive bool       `gorm:"column:is_active;default:true" json:"is_active"`
	IsOnline bool       `gorm:"column:is_online;default:false" json:"is_online"`
	LastSeen *time.Time `gorm:"column:last_seen" json:"last_seen"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Router) TableName() string {
	return "routers"
}

// EffectiveAPIPort returns the configured port or the vendor default
func (r *Router) EffectiveAPIPort() int {
	if r.APIPort > 0 {
		return r.APIPort
	}
	switch r.Vendor {
	case VendorMikrotik:
		return 8728
	case VendorUbiquiti:
		return 443
	case VendorCisco:
		return 22
	case VendorRadius:
		return 3799
	}
	return 22
}

// Addr returns the host:port management address
func (r *Router) Addr() string {
	return fmt.Sprintf("%s:%d", r.IPAddress, r.EffectiveAPIPort())
}
