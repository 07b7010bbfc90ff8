package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"license-server/internal/model"

	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindByKey(ctx context.Context, key string) (*model.License, error) {
	var license model.License
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询许可证失败: %w", err)
	}
	return &license, nil
}

func (s *GormStore) FindByDeviceAndKind(ctx context.Context, deviceID string, kind model.Kind) (*model.License, error) {
	var license model.License
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND kind = ?", deviceID, kind).
		First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询设备许可证失败: %w", err)
	}
	return &license, nil
}

// Insert 以 UTC 副本写入，调用方记录的时区保持不变
func (s *GormStore) Insert(ctx context.Context, license *model.License) error {
	row := *license
	normalizeTimes(&row)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("创建许可证失败: %w", err)
	}
	license.ID = row.ID
	if license.CreatedAt.IsZero() {
		license.CreatedAt = row.CreatedAt
	}
	license.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *GormStore) Save(ctx context.Context, license *model.License) error {
	license.UpdatedAt = time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&model.License{}).
		Where("key = ?", license.Key).
		Updates(map[string]interface{}{
			"assigned_to": license.AssignedTo,
			"start_date":  license.StartDate.UTC(),
			"end_date":    license.EndDate.UTC(),
			"status":      license.Status,
			"updated_at":  license.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("更新许可证失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) BindDevice(ctx context.Context, key, deviceID string, at time.Time) (*model.License, error) {
	at = at.UTC()
	result := s.db.WithContext(ctx).Model(&model.License{}).
		Where("key = ? AND device_id IS NULL", key).
		Updates(map[string]interface{}{
			"device_id":         deviceID,
			"last_validated_at": at,
			"updated_at":        at,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("绑定设备失败: %w", result.Error)
	}

	license, err := s.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 && !license.BoundTo(deviceID) {
		return license, ErrDeviceBound
	}
	return license, nil
}

func (s *GormStore) RecordValidation(ctx context.Context, key string, at time.Time) (*model.License, error) {
	at = at.UTC()
	result := s.db.WithContext(ctx).Model(&model.License{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"validation_count":  gorm.Expr("validation_count + ?", 1),
			"last_validated_at": at,
			"updated_at":        at,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("更新校验次数失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindByKey(ctx, key)
}

func (s *GormStore) MarkExpired(ctx context.Context, key string, endDate time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.License{}).
		Where("key = ? AND end_date <= ?", key, endDate.UTC()).
		Updates(map[string]interface{}{
			"status":     model.StatusExpired,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("更新许可证状态失败: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	// 未命中：记录不存在，或已被延期
	if _, err := s.FindByKey(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GormStore) Statistics(ctx context.Context, cutoff ExpiryCutoff) (model.LicenseStatistics, error) {
	var stats model.LicenseStatistics
	db := s.db.WithContext(ctx)
	licenses := func() *gorm.DB { return db.Model(&model.License{}) }

	if err := licenses().Count(&stats.TotalLicenses).Error; err != nil {
		return stats, fmt.Errorf("获取许可证总数失败: %w", err)
	}
	expired := licenses().
		Where("kind = ? AND end_date < ?", model.KindTrial, cutoff.Trial.UTC()).
		Or("kind <> ? AND end_date < ?", model.KindTrial, cutoff.Subscription.UTC())
	if err := expired.Count(&stats.ExpiredLicenses).Error; err != nil {
		return stats, fmt.Errorf("获取过期许可证数失败: %w", err)
	}
	if err := licenses().Where("kind = ?", model.KindTrial).Count(&stats.TrialLicenses).Error; err != nil {
		return stats, fmt.Errorf("获取试用许可证数失败: %w", err)
	}
	if err := licenses().Where("kind = ?", model.KindSubscription).Count(&stats.SubscriptionLicenses).Error; err != nil {
		return stats, fmt.Errorf("获取订阅许可证数失败: %w", err)
	}
	if err := licenses().Where("device_id IS NOT NULL").Count(&stats.BoundLicenses).Error; err != nil {
		return stats, fmt.Errorf("获取已绑定许可证数失败: %w", err)
	}
	if err := licenses().Select("COALESCE(SUM(validation_count), 0)").Scan(&stats.TotalValidations).Error; err != nil {
		return stats, fmt.Errorf("获取校验总次数失败: %w", err)
	}

	stats.ActiveLicenses = stats.TotalLicenses - stats.ExpiredLicenses
	return stats, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// 时间统一以 UTC 存储，sqlite 按字符串比较时间
func normalizeTimes(license *model.License) {
	license.StartDate = license.StartDate.UTC()
	license.EndDate = license.EndDate.UTC()
	if !license.CreatedAt.IsZero() {
		license.CreatedAt = license.CreatedAt.UTC()
	}
	if license.LastValidatedAt != nil {
		t := license.LastValidatedAt.UTC()
		license.LastValidatedAt = &t
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
