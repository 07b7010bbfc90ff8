// Package store 定义许可证持久化接口及其实现（gorm、内存、MongoDB）。
//
// 设备绑定与校验计数通过条件更新完成，保证设备ID只写入一次且并发校验不丢计数。
package store

import (
	"context"
	"errors"
	"time"

	"license-server/internal/model"
)

var (
	ErrNotFound    = errors.New("license not found")
	ErrDuplicate   = errors.New("duplicate license")
	ErrDeviceBound = errors.New("license bound to another device")
)

// ExpiryCutoff endDate 早于对应时刻的许可证视为已过期
type ExpiryCutoff struct {
	Subscription time.Time
	Trial        time.Time
}

// Expired 按类型判断 endDate 是否早于截止时刻
func (c ExpiryCutoff) Expired(license *model.License) bool {
	if license.Kind == model.KindTrial {
		return license.EndDate.Before(c.Trial)
	}
	return license.EndDate.Before(c.Subscription)
}

type Store interface {
	FindByKey(ctx context.Context, key string) (*model.License, error)
	FindByDeviceAndKind(ctx context.Context, deviceID string, kind model.Kind) (*model.License, error)
	Insert(ctx context.Context, license *model.License) error
	// Save 只持久化管理端可修改的字段，不会覆盖设备绑定和校验计数
	Save(ctx context.Context, license *model.License) error

	// BindDevice 仅当许可证尚未绑定时写入设备ID。
	// 已绑定到同一设备时返回当前记录，绑定到其他设备时返回 ErrDeviceBound。
	BindDevice(ctx context.Context, key, deviceID string, at time.Time) (*model.License, error)
	// RecordValidation 原子地将校验次数加一并更新最后校验时间
	RecordValidation(ctx context.Context, key string, at time.Time) (*model.License, error)
	// MarkExpired 仅当 endDate 未被延长时写入 Expired，返回是否实际写入
	MarkExpired(ctx context.Context, key string, endDate time.Time) (bool, error)

	Statistics(ctx context.Context, cutoff ExpiryCutoff) (model.LicenseStatistics, error)
	Ping(ctx context.Context) error
}
