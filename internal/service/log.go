package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"license-server/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const usageHistoryLimit = 20

// AuditLog 管理操作和客户端调用记录；nil 时所有方法为空操作
type AuditLog struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	if db == nil {
		return nil
	}
	return &AuditLog{db: db, now: time.Now}
}

func (a *AuditLog) Enabled() bool {
	return a != nil
}

func (a *AuditLog) LogOperation(ctx context.Context, action, target, targetID, clientIP string, details interface{}) error {
	if a == nil {
		return nil
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	entry := &model.OperationLog{
		Action:    action,
		Target:    target,
		TargetID:  targetID,
		Details:   string(detailsJSON),
		ClientIP:  clientIP,
		CreatedAt: a.now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入操作日志失败: %w", err)
	}
	return nil
}

func (a *AuditLog) RecordUsage(ctx context.Context, usage model.LicenseUsage) error {
	if a == nil {
		return nil
	}
	if usage.Timestamp.IsZero() {
		usage.Timestamp = a.now()
	}
	usage.Timestamp = usage.Timestamp.UTC()
	if err := a.db.WithContext(ctx).Create(&usage).Error; err != nil {
		return fmt.Errorf("写入使用记录失败: %w", err)
	}
	return nil
}

// Usage 返回许可证最近的调用记录，按时间倒序
func (a *AuditLog) Usage(ctx context.Context, key string) ([]model.LicenseUsage, error) {
	if a == nil {
		return []model.LicenseUsage{}, nil
	}
	var usages []model.LicenseUsage
	err := a.db.WithContext(ctx).
		Where("license_key = ?", key).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "timestamp"}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}}).
		Limit(usageHistoryLimit).
		Find(&usages).Error
	if err != nil {
		return nil, fmt.Errorf("查询使用记录失败: %w", err)
	}
	return usages, nil
}

// OperationLogs 获取操作日志列表
func (a *AuditLog) OperationLogs(ctx context.Context, page, pageSize int) ([]model.OperationLog, int64, error) {
	if a == nil {
		return []model.OperationLog{}, 0, nil
	}
	if page < 1 {
		page = 1
	}
	var logs []model.OperationLog
	var total int64

	db := a.db.WithContext(ctx)

	// 获取总数
	if err := db.Model(&model.OperationLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计操作日志失败: %w", err)
	}

	// 获取分页数据
	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("查询操作日志失败: %w", err)
	}

	return logs, total, nil
}
