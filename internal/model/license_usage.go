package model

import (
	"time"
)

// LicenseUsage 客户端操作记录
type LicenseUsage struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LicenseKey string    `json:"license_key" gorm:"index"`
	Action     string    `json:"action"` // "activate", "validate", "start_trial"
	Outcome    string    `json:"outcome"`
	DeviceID   string    `json:"device_id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
}
