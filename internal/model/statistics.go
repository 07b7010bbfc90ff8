package model

// LicenseStatistics 许可证统计信息
type LicenseStatistics struct {
	TotalLicenses        int64 `json:"total_licenses"`
	ActiveLicenses       int64 `json:"active_licenses"`
	ExpiredLicenses      int64 `json:"expired_licenses"`
	TrialLicenses        int64 `json:"trial_licenses"`
	SubscriptionLicenses int64 `json:"subscription_licenses"`
	BoundLicenses        int64 `json:"bound_licenses"`
	TotalValidations     int64 `json:"total_validations"`
}

// GetBindingRate 已绑定设备的许可证比例
func (ls *LicenseStatistics) GetBindingRate() float64 {
	if ls.TotalLicenses == 0 {
		return 0
	}
	return float64(ls.BoundLicenses) / float64(ls.TotalLicenses)
}

// GetAverageValidations 每个许可证的平均校验次数
func (ls *LicenseStatistics) GetAverageValidations() float64 {
	if ls.TotalLicenses == 0 {
		return 0
	}
	return float64(ls.TotalValidations) / float64(ls.TotalLicenses)
}
