package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"license-server/internal/events"
	"license-server/internal/model"
	"license-server/internal/store"
)

type ManagerConfig struct {
	TrialDuration time.Duration
	TrialPrefix   string
	// KeyRetries 试用密钥冲突时的最大尝试次数
	KeyRetries     int
	BindOnValidate bool
	Location       *time.Location
	TrialExact     bool

	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	NewKey    func(prefix string) (string, error)
}

// LicenseManager 许可证生命周期：创建、激活绑定、过期判定、校验计数
type LicenseManager struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	policy    ExpiryPolicy
	cfg       ManagerConfig
	nowFn     func() time.Time
	newKey    func(prefix string) (string, error)
}

type TrialResult struct {
	Key       string
	ExpiresAt time.Time
}

type ActivationResult struct {
	Key       string
	ExpiresAt time.Time
}

type ValidationResult struct {
	Valid         bool
	Kind          model.Kind
	ExpiresAt     time.Time
	TimeRemaining string
	License       *model.License
}

func NewLicenseManager(st store.Store, cfg ManagerConfig) *LicenseManager {
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = 5 * time.Minute
	}
	if cfg.TrialPrefix == "" {
		cfg.TrialPrefix = "TRIAL-"
	}
	if cfg.KeyRetries < 1 {
		cfg.KeyRetries = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	m := &LicenseManager{
		store:     st,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		policy:    ExpiryPolicy{Location: cfg.Location, TrialExact: cfg.TrialExact},
		cfg:       cfg,
		nowFn:     cfg.Now,
		newKey:    cfg.NewKey,
	}
	if m.publisher == nil {
		m.publisher = events.Nop{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.nowFn == nil {
		m.nowFn = time.Now
	}
	if m.newKey == nil {
		m.newKey = GenerateTrialKey
	}
	return m
}

func (m *LicenseManager) Policy() ExpiryPolicy {
	return m.policy
}

// CreateSubscription 管理员创建订阅许可证
func (m *LicenseManager) CreateSubscription(ctx context.Context, in model.CreateLicenseInput) (*model.License, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return nil, invalidInput("license key is required")
	}
	start, err := ParseDate(in.StartDate, m.cfg.Location)
	if err != nil {
		return nil, invalidInput("start date: %v", err)
	}
	end, err := ParseDate(in.EndDate, m.cfg.Location)
	if err != nil {
		return nil, invalidInput("end date: %v", err)
	}
	if end.Before(start) {
		return nil, invalidInput("end date is before start date")
	}

	now := m.nowFn()
	license := &model.License{
		Key:        key,
		AssignedTo: strings.TrimSpace(in.AssignedTo),
		StartDate:  start,
		EndDate:    end,
		Status:     model.StatusActive,
		Kind:       model.KindSubscription,
		CreatedAt:  now,
	}
	if err := m.store.Insert(ctx, license); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		return nil, storageError("create subscription", err)
	}

	m.logger.InfoContext(ctx, "订阅许可证已创建", slog.String("license_key", key))
	m.publish(ctx, events.LicenseCreated, license, now)
	return license, nil
}

// StartTrial 为设备创建试用许可证，每台设备仅限一次
func (m *LicenseManager) StartTrial(ctx context.Context, deviceID string) (*TrialResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, invalidInput("device ID required")
	}

	if err := m.ensureNoTrial(ctx, deviceID); err != nil {
		return nil, err
	}

	now := m.nowFn()
	for attempt := 1; attempt <= m.cfg.KeyRetries; attempt++ {
		key, err := m.newKey(m.cfg.TrialPrefix)
		if err != nil {
			return nil, fmt.Errorf("generate trial key: %w", err)
		}

		device := deviceID
		issuedAt := now
		trial := &model.License{
			Key:             key,
			StartDate:       now,
			EndDate:         now.Add(m.cfg.TrialDuration),
			DeviceID:        &device,
			Status:          model.StatusActive,
			Kind:            model.KindTrial,
			CreatedAt:       now,
			LastValidatedAt: &issuedAt,
			ValidationCount: 1,
		}

		err = m.store.Insert(ctx, trial)
		if err == nil {
			m.logger.InfoContext(ctx, "试用已开始",
				slog.String("license_key", key),
				slog.Int("attempt", attempt),
			)
			m.publish(ctx, events.TrialStarted, trial, now)
			return &TrialResult{Key: key, ExpiresAt: trial.EndDate}, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, storageError("start trial", err)
		}

		// 冲突可能来自同一设备的并发试用，也可能是密钥重复
		if err := m.ensureNoTrial(ctx, deviceID); err != nil {
			return nil, err
		}
		m.logger.WarnContext(ctx, "试用密钥冲突，重新生成",
			slog.String("license_key", key),
			slog.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("%w: no unique trial key after %d attempts", ErrDuplicateKey, m.cfg.KeyRetries)
}

func (m *LicenseManager) ensureNoTrial(ctx context.Context, deviceID string) error {
	_, err := m.store.FindByDeviceAndKind(ctx, deviceID, model.KindTrial)
	switch {
	case err == nil:
		return ErrTrialAlreadyUsed
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return storageError("find trial", err)
	}
}

// Activate 激活订阅许可证并绑定设备，同一设备重复激活是幂等的
func (m *LicenseManager) Activate(ctx context.Context, key, deviceID string) (*ActivationResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, invalidInput("device ID required")
	}

	license, err := m.find(ctx, key)
	if err != nil {
		return nil, err
	}
	// 试用密钥不能通过激活接口使用
	if license.Kind != model.KindSubscription {
		return nil, fmt.Errorf("%w: %s is not a subscription key", ErrNotFound, key)
	}

	now := m.nowFn()
	if m.policy.IsExpired(license, now) {
		return nil, m.expire(ctx, license, now)
	}

	if license.Bound() {
		if !license.BoundTo(deviceID) {
			return nil, ErrDeviceMismatch
		}
		return &ActivationResult{Key: license.Key, ExpiresAt: license.EndDate}, nil
	}

	bound, err := m.bind(ctx, license.Key, deviceID, now)
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "许可证已激活", slog.String("license_key", bound.Key))
	m.publish(ctx, events.LicenseActivated, bound, now)
	return &ActivationResult{Key: bound.Key, ExpiresAt: bound.EndDate}, nil
}

// Validate 校验许可证，成功时校验次数加一
func (m *LicenseManager) Validate(ctx context.Context, key, deviceID string) (*ValidationResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, invalidInput("device ID required")
	}

	license, err := m.find(ctx, key)
	if err != nil {
		return nil, err
	}
	if license.Bound() && !license.BoundTo(deviceID) {
		return nil, ErrDeviceMismatch
	}

	now := m.nowFn()
	if m.policy.IsExpired(license, now) {
		return nil, m.expire(ctx, license, now)
	}

	if !license.Bound() && m.cfg.BindOnValidate {
		bound, err := m.bind(ctx, license.Key, deviceID, now)
		if err != nil {
			return nil, err
		}
		m.publish(ctx, events.LicenseActivated, bound, now)
	}

	updated, err := m.store.RecordValidation(ctx, license.Key, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError("record validation", err)
	}

	m.publish(ctx, events.LicenseValidated, updated, now)
	return &ValidationResult{
		Valid:         true,
		Kind:          updated.Kind,
		ExpiresAt:     updated.EndDate,
		TimeRemaining: FormatTimeRemaining(updated.Kind, m.policy.Deadline(updated).Sub(now)),
		License:       updated,
	}, nil
}

// Extend 管理员延长有效期，状态无条件恢复为 Active
func (m *LicenseManager) Extend(ctx context.Context, key, newEndDate string) (*model.License, error) {
	license, err := m.find(ctx, key)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(newEndDate, m.cfg.Location)
	if err != nil {
		return nil, invalidInput("new end date: %v", err)
	}

	license.EndDate = end
	license.Status = model.StatusActive
	if err := m.store.Save(ctx, license); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError("extend license", err)
	}

	now := m.nowFn()
	m.logger.InfoContext(ctx, "许可证已延期",
		slog.String("license_key", license.Key),
		slog.Time("end_date", end),
	)
	m.publish(ctx, events.LicenseExtended, license, now)
	return license, nil
}

// GetInfo 管理端查询，不做任何修改；状态按当前时间重新计算
func (m *LicenseManager) GetInfo(ctx context.Context, key string) (model.LicenseView, error) {
	license, err := m.find(ctx, key)
	if err != nil {
		return model.LicenseView{}, err
	}
	view := license.View()
	view.Status = model.StatusActive
	if m.policy.IsExpired(license, m.nowFn()) {
		view.Status = model.StatusExpired
	}
	return view, nil
}

// Statistics 过期数量按日期重新计算，不依赖缓存的状态
func (m *LicenseManager) Statistics(ctx context.Context) (model.LicenseStatistics, error) {
	now := m.nowFn()
	cutoff := store.ExpiryCutoff{Subscription: StartOfDay(now, m.cfg.Location)}
	cutoff.Trial = cutoff.Subscription
	if m.policy.TrialExact {
		cutoff.Trial = now
	}
	stats, err := m.store.Statistics(ctx, cutoff)
	if err != nil {
		return stats, storageError("statistics", err)
	}
	return stats, nil
}

func (m *LicenseManager) find(ctx context.Context, key string) (*model.License, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrNotFound
	}
	license, err := m.store.FindByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("find license", err)
	}
	return license, nil
}

func (m *LicenseManager) bind(ctx context.Context, key, deviceID string, now time.Time) (*model.License, error) {
	bound, err := m.store.BindDevice(ctx, key, deviceID, now)
	switch {
	case err == nil:
		return bound, nil
	case errors.Is(err, store.ErrDeviceBound):
		return nil, ErrDeviceMismatch
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, storageError("bind device", err)
	}
}

// expire 持久化过期状态并返回 ExpiredError，只在状态实际变化时写入。
// 读取之后被延期的记录不会被改回 Expired。
func (m *LicenseManager) expire(ctx context.Context, license *model.License, now time.Time) error {
	if license.Status != model.StatusExpired {
		marked, err := m.store.MarkExpired(ctx, license.Key, license.EndDate)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return storageError("mark expired", err)
		}
		if marked {
			license.Status = model.StatusExpired
			m.publish(ctx, events.LicenseExpired, license, now)
		}
	}
	return &ExpiredError{Kind: license.Kind, EndDate: license.EndDate}
}

func (m *LicenseManager) publish(ctx context.Context, eventType string, license *model.License, at time.Time) {
	if err := m.publisher.Publish(ctx, events.New(eventType, license, at)); err != nil {
		m.logger.WarnContext(ctx, "事件发布失败",
			slog.String("event_type", eventType),
			slog.String("license_key", license.Key),
			slog.String("error", err.Error()),
		)
	}
}
