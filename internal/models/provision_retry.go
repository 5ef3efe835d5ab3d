package models

import "time"

// ProvisionRetry queues a provisioning call that failed during redemption
// fan-out. The retry worker drains this table with bounded attempts; rows
// that exhaust their attempts are kept as a standing-inconsistency record.
type ProvisionRetry struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	VoucherCode string    `gorm:"column:voucher_code;size:20;not null;index" json:"voucher_code"`
	RouterID    uint      `gorm:"column:router_id;not null;index" json:"router_id"`
	Attempts    int       `gorm:"column:attempts;default:0" json:"attempts"`
	NextAttempt time.Time `gorm:"column:next_attempt;index" json:"next_attempt"`
	LastError   string    `gorm:"column:last_error;size:255" json:"last_error"`
	Abandoned   bool      `gorm:"column:abandoned;default:false;index" json:"abandoned"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ProvisionRetry) TableName() string {
	return "provision_retries"
}
