package model

// CreateLicenseInput 管理员创建订阅许可证
type CreateLicenseInput struct {
	Key        string `json:"key" validate:"required"`
	AssignedTo string `json:"assignedTo"`
	StartDate  string `json:"startDate" validate:"required"`
	EndDate    string `json:"endDate" validate:"required"`
}

type StartTrialInput struct {
	DeviceID string `json:"deviceId"`
}

// KeyDeviceInput 激活与校验共用，字段缺失由业务层按顺序判定
type KeyDeviceInput struct {
	LicenseKey string `json:"licenseKey"`
	DeviceID   string `json:"deviceId"`
}

type ExtendLicenseInput struct {
	Key        string `json:"key"`
	NewEndDate string `json:"newEndDate"`
}

type VerifyTokenInput struct {
	Token string `json:"token" validate:"required"`
}
