package model

import (
	"time"
)

// Kind 许可证类型，创建后不可变
type Kind string

const (
	KindTrial        Kind = "trial"
	KindSubscription Kind = "subscription"
)

// Status 缓存的状态，过期判定始终以 endDate 重新计算为准
type Status string

const (
	StatusActive  Status = "Active"
	StatusExpired Status = "Expired"
)

type License struct {
	ID              uint       `json:"-" bson:"-" gorm:"primaryKey"`
	Key             string     `json:"key" bson:"key" gorm:"uniqueIndex;not null"`
	AssignedTo      string     `json:"assignedTo,omitempty" bson:"assignedTo,omitempty"`
	StartDate       time.Time  `json:"startDate" bson:"startDate"`
	EndDate         time.Time  `json:"endDate" bson:"endDate"`
	DeviceID        *string    `json:"deviceId" bson:"deviceId"`
	Status          Status     `json:"status" bson:"status" gorm:"not null"`
	Kind            Kind       `json:"type" bson:"kind" gorm:"not null;index"`
	CreatedAt       time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt" bson:"updatedAt"`
	LastValidatedAt *time.Time `json:"lastValidatedAt" bson:"lastValidatedAt"`
	ValidationCount int64      `json:"validationCount" bson:"validationCount"`
}

// Bound 是否已绑定设备
func (l *License) Bound() bool {
	return l.DeviceID != nil && *l.DeviceID != ""
}

// BoundTo 是否绑定到指定设备
func (l *License) BoundTo(deviceID string) bool {
	return l.Bound() && *l.DeviceID == deviceID
}

// LicenseView 管理端查询视图，不暴露原始设备ID
type LicenseView struct {
	Key             string     `json:"key"`
	AssignedTo      string     `json:"assignedTo,omitempty"`
	StartDate       time.Time  `json:"startDate"`
	EndDate         time.Time  `json:"endDate"`
	DeviceBound     bool       `json:"deviceBound"`
	Status          Status     `json:"status"`
	Kind            Kind       `json:"type"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastValidatedAt *time.Time `json:"lastValidatedAt"`
	ValidationCount int64      `json:"validationCount"`
}

func (l *License) View() LicenseView {
	return LicenseView{
		Key:             l.Key,
		AssignedTo:      l.AssignedTo,
		StartDate:       l.StartDate,
		EndDate:         l.EndDate,
		DeviceBound:     l.Bound(),
		Status:          l.Status,
		Kind:            l.Kind,
		CreatedAt:       l.CreatedAt,
		LastValidatedAt: l.LastValidatedAt,
		ValidationCount: l.ValidationCount,
	}
}
