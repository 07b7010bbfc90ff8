package model

import "time"

// OperationLog 管理操作记录
type OperationLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	TargetID  string    `json:"target_id"`
	Details   string    `json:"details"`
	ClientIP  string    `json:"client_ip"`
	CreatedAt time.Time `json:"created_at"`
}
