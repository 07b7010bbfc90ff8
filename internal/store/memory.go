package store

import (
	"context"
	"sync"
	"time"

	"license-server/internal/model"
)

// MemoryStore 内存实现，用于测试和本地调试
type MemoryStore struct {
	mu       sync.Mutex
	licenses map[string]*model.License
	nextID   uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{licenses: make(map[string]*model.License)}
}

func (s *MemoryStore) FindByKey(_ context.Context, key string) (*model.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	license, ok := s.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(license), nil
}

func (s *MemoryStore) FindByDeviceAndKind(_ context.Context, deviceID string, kind model.Kind) (*model.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if license := s.findByDeviceAndKind(deviceID, kind); license != nil {
		return clone(license), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) findByDeviceAndKind(deviceID string, kind model.Kind) *model.License {
	for _, license := range s.licenses {
		if license.Kind == kind && license.BoundTo(deviceID) {
			return license
		}
	}
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, license *model.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[license.Key]; ok {
		return ErrDuplicate
	}
	// 与数据库的部分唯一索引保持一致：每台设备只能有一个试用许可证
	if license.Kind == model.KindTrial && license.Bound() &&
		s.findByDeviceAndKind(*license.DeviceID, model.KindTrial) != nil {
		return ErrDuplicate
	}

	now := time.Now()
	s.nextID++
	license.ID = s.nextID
	if license.CreatedAt.IsZero() {
		license.CreatedAt = now
	}
	license.UpdatedAt = now
	s.licenses[license.Key] = clone(license)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, license *model.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.licenses[license.Key]
	if !ok {
		return ErrNotFound
	}
	stored.AssignedTo = license.AssignedTo
	stored.StartDate = license.StartDate
	stored.EndDate = license.EndDate
	stored.Status = license.Status
	stored.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) BindDevice(_ context.Context, key, deviceID string, at time.Time) (*model.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Bound() {
		if stored.BoundTo(deviceID) {
			return clone(stored), nil
		}
		return clone(stored), ErrDeviceBound
	}
	id := deviceID
	stored.DeviceID = &id
	stored.LastValidatedAt = &at
	stored.UpdatedAt = at
	return clone(stored), nil
}

func (s *MemoryStore) RecordValidation(_ context.Context, key string, at time.Time) (*model.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	stored.ValidationCount++
	stored.LastValidatedAt = &at
	stored.UpdatedAt = at
	return clone(stored), nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, key string, endDate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.licenses[key]
	if !ok {
		return false, ErrNotFound
	}
	if stored.EndDate.After(endDate) {
		return false, nil
	}
	stored.Status = model.StatusExpired
	stored.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) Statistics(_ context.Context, cutoff ExpiryCutoff) (model.LicenseStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats model.LicenseStatistics
	for _, license := range s.licenses {
		stats.TotalLicenses++
		if cutoff.Expired(license) {
			stats.ExpiredLicenses++
		}
		switch license.Kind {
		case model.KindTrial:
			stats.TrialLicenses++
		case model.KindSubscription:
			stats.SubscriptionLicenses++
		}
		if license.Bound() {
			stats.BoundLicenses++
		}
		stats.TotalValidations += license.ValidationCount
	}
	stats.ActiveLicenses = stats.TotalLicenses - stats.ExpiredLicenses
	return stats, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func clone(license *model.License) *model.License {
	c := *license
	if license.DeviceID != nil {
		id := *license.DeviceID
		c.DeviceID = &id
	}
	if license.LastValidatedAt != nil {
		t := *license.LastValidatedAt
		c.LastValidatedAt = &t
	}
	return &c
}
