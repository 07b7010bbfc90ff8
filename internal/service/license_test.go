package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"license-server/internal/database"
	"license-server/internal/events"
	"license-server/internal/logger"
	"license-server/internal/model"
	"license-server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

var testLoc = time.FixedZone("UTC+8", 8*60*60)

type fixture struct {
	mgr   *LicenseManager
	store store.Store
	clock *testClock
	pub   *recordingPublisher
}

func newFixture(t *testing.T, st store.Store, mutate ...func(*ManagerConfig)) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, testLoc)}
	pub := &recordingPublisher{}
	cfg := ManagerConfig{
		TrialDuration: 5 * time.Minute,
		TrialPrefix:   "TRIAL-",
		KeyRetries:    5,
		Location:      testLoc,
		Publisher:     pub,
		Logger:        logger.Discard(),
		Now:           clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return &fixture{mgr: NewLicenseManager(st, cfg), store: st, clock: clock, pub: pub}
}

// 每个用例分别在内存存储和 sqlite 上运行
func forEachStore(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := database.OpenMemory()
		require.NoError(t, err)
		t.Cleanup(func() { database.Close(db) })
		fn(t, store.NewGormStore(db))
	})
}

func subscription(key, start, end string) model.CreateLicenseInput {
	return model.CreateLicenseInput{Key: key, AssignedTo: "Alex", StartDate: start, EndDate: end}
}

func TestCreateSubscriptionThenGetInfo(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		created, err := f.mgr.CreateSubscription(ctx, subscription("SUB-001", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)
		assert.Equal(t, model.KindSubscription, created.Kind)
		assert.Equal(t, int64(0), created.ValidationCount)
		assert.Nil(t, created.DeviceID)

		view, err := f.mgr.GetInfo(ctx, "SUB-001")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, view.Status)
		assert.False(t, view.DeviceBound)
		assert.Equal(t, "Alex", view.AssignedTo)
		assert.Equal(t, []string{events.LicenseCreated}, f.pub.Types())
	})
}

func TestCreateSubscriptionDuplicateKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-DUP", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)
		_, err = f.mgr.CreateSubscription(ctx, subscription("SUB-DUP", "2026-04-01", "2027-12-31"))
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})
}

func TestCreateSubscriptionInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input model.CreateLicenseInput
	}{
		{"missing_key", subscription("  ", "2026-03-01", "2026-12-31")},
		{"missing_start", subscription("K1", "", "2026-12-31")},
		{"missing_end", subscription("K2", "2026-03-01", "")},
		{"unparseable_end", subscription("K3", "2026-03-01", "next tuesday")},
		{"end_before_start", subscription("K4", "2026-03-01", "2026-02-01")},
	}

	f := newFixture(t, store.NewMemoryStore())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.CreateSubscription(context.Background(), tt.input)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestStartTrialOncePerDevice(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		first, err := f.mgr.StartTrial(ctx, "device-A")
		require.NoError(t, err)
		assert.True(t, f.clock.Now().Add(5*time.Minute).Equal(first.ExpiresAt), "expires at %v", first.ExpiresAt)

		_, err = f.mgr.StartTrial(ctx, "device-A")
		assert.ErrorIs(t, err, ErrTrialAlreadyUsed)

		other, err := f.mgr.StartTrial(ctx, "device-B")
		require.NoError(t, err)
		assert.NotEqual(t, first.Key, other.Key)

		trial, err := st.FindByKey(ctx, first.Key)
		require.NoError(t, err)
		assert.Equal(t, model.KindTrial, trial.Kind)
		assert.True(t, trial.BoundTo("device-A"))
		assert.Equal(t, int64(1), trial.ValidationCount)
		require.NotNil(t, trial.LastValidatedAt)
	})
}

func TestStartTrialRequiresDevice(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	_, err := f.mgr.StartTrial(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTrialKeyFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^TRIAL-[0-9A-Z]{6}$`)
	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()

	a, err := f.mgr.StartTrial(ctx, "device-1")
	require.NoError(t, err)
	b, err := f.mgr.StartTrial(ctx, "device-2")
	require.NoError(t, err)

	assert.Regexp(t, pattern, a.Key)
	assert.Regexp(t, pattern, b.Key)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestStartTrialRetriesOnKeyCollision(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		keys := []string{"TRIAL-AAAAAA", "TRIAL-AAAAAA", "TRIAL-BBBBBB"}
		var calls int
		f := newFixture(t, st, func(cfg *ManagerConfig) {
			cfg.NewKey = func(string) (string, error) {
				key := keys[calls]
				calls++
				return key, nil
			}
		})
		ctx := context.Background()

		first, err := f.mgr.StartTrial(ctx, "device-1")
		require.NoError(t, err)
		assert.Equal(t, "TRIAL-AAAAAA", first.Key)

		second, err := f.mgr.StartTrial(ctx, "device-2")
		require.NoError(t, err)
		assert.Equal(t, "TRIAL-BBBBBB", second.Key)
		assert.Equal(t, 3, calls)
	})
}

func TestStartTrialGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), func(cfg *ManagerConfig) {
		cfg.KeyRetries = 3
		cfg.NewKey = func(string) (string, error) { return "TRIAL-SAME00", nil }
	})
	ctx := context.Background()

	_, err := f.mgr.StartTrial(ctx, "device-1")
	require.NoError(t, err)
	_, err = f.mgr.StartTrial(ctx, "device-2")
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestActivateEndOfDayBoundary(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-EOD", "2026-03-01", "2026-03-10"))
		require.NoError(t, err)

		f.clock.Set(time.Date(2026, 3, 10, 23, 59, 59, int(998*time.Millisecond), testLoc))
		res, err := f.mgr.Activate(ctx, "SUB-EOD", "device-A")
		require.NoError(t, err)
		assert.Equal(t, "SUB-EOD", res.Key)

		f.clock.Set(time.Date(2026, 3, 11, 0, 0, 0, int(time.Millisecond), testLoc))
		_, err = f.mgr.Activate(ctx, "SUB-EOD", "device-A")
		var expired *ExpiredError
		require.ErrorAs(t, err, &expired)
		assert.ErrorIs(t, err, ErrExpired)
		assert.Equal(t, model.KindSubscription, expired.Kind)

		stored, err := st.FindByKey(ctx, "SUB-EOD")
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, stored.Status)
	})
}

func TestActivateDeviceBinding(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-BIND", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)

		_, err = f.mgr.Activate(ctx, "SUB-BIND", "device-A")
		require.NoError(t, err)

		_, err = f.mgr.Activate(ctx, "SUB-BIND", "device-B")
		assert.ErrorIs(t, err, ErrDeviceMismatch)

		_, err = f.mgr.Activate(ctx, "SUB-BIND", "device-A")
		require.NoError(t, err)

		stored, err := st.FindByKey(ctx, "SUB-BIND")
		require.NoError(t, err)
		assert.True(t, stored.BoundTo("device-A"))
		require.NotNil(t, stored.LastValidatedAt)
		assert.Equal(t, []string{events.LicenseCreated, events.LicenseActivated}, f.pub.Types())
	})
}

func TestActivateRejectsTrialAndUnknownKeys(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()

	trial, err := f.mgr.StartTrial(ctx, "device-A")
	require.NoError(t, err)

	_, err = f.mgr.Activate(ctx, trial.Key, "device-A")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.Activate(ctx, "NOPE", "device-A")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.Activate(ctx, "NOPE", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentFirstActivationBindsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-RACE", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)

		const devices = 8
		var wg sync.WaitGroup
		results := make([]error, devices)
		for i := 0; i < devices; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = f.mgr.Activate(ctx, "SUB-RACE", fmt.Sprintf("device-%d", i))
			}(i)
		}
		wg.Wait()

		var winners int
		for _, err := range results {
			if err == nil {
				winners++
				continue
			}
			assert.ErrorIs(t, err, ErrDeviceMismatch)
		}
		assert.Equal(t, 1, winners)
	})
}

func TestValidate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-VAL", "2026-03-01", "2026-03-12"))
		require.NoError(t, err)
		_, err = f.mgr.Activate(ctx, "SUB-VAL", "device-A")
		require.NoError(t, err)

		res, err := f.mgr.Validate(ctx, "SUB-VAL", "device-A")
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, model.KindSubscription, res.Kind)
		// 09:00 到 3 月 12 日 23:59:59.999
		assert.Equal(t, "62 hours", res.TimeRemaining)
		assert.Equal(t, int64(1), res.License.ValidationCount)

		res, err = f.mgr.Validate(ctx, "SUB-VAL", "device-A")
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.License.ValidationCount)

		_, err = f.mgr.Validate(ctx, "SUB-VAL", "device-B")
		assert.ErrorIs(t, err, ErrDeviceMismatch)

		_, err = f.mgr.Validate(ctx, "MISSING", "device-A")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = f.mgr.Validate(ctx, "SUB-VAL", "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestValidateTrialReportsMinutes(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), func(cfg *ManagerConfig) { cfg.TrialExact = true })
	ctx := context.Background()

	trial, err := f.mgr.StartTrial(ctx, "device-A")
	require.NoError(t, err)

	f.clock.Set(f.clock.Now().Add(90 * time.Second))
	res, err := f.mgr.Validate(ctx, trial.Key, "device-A")
	require.NoError(t, err)
	assert.Equal(t, model.KindTrial, res.Kind)
	assert.Equal(t, "3 minutes", res.TimeRemaining)
	assert.Equal(t, int64(2), res.License.ValidationCount)

	f.clock.Set(trial.ExpiresAt.Add(time.Millisecond))
	_, err = f.mgr.Validate(ctx, trial.Key, "device-A")
	var expired *ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, model.KindTrial, expired.Kind)
}

func TestTrialDefaultsToEndOfDayExpiry(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()

	trial, err := f.mgr.StartTrial(ctx, "device-A")
	require.NoError(t, err)

	f.clock.Set(trial.ExpiresAt.Add(time.Hour))
	_, err = f.mgr.Validate(ctx, trial.Key, "device-A")
	assert.NoError(t, err)
}

func TestValidateExpiredPersistsStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-OLD", "2026-01-01", "2026-02-01"))
		require.NoError(t, err)

		_, err = f.mgr.Validate(ctx, "SUB-OLD", "device-A")
		assert.ErrorIs(t, err, ErrExpired)

		stored, err := st.FindByKey(ctx, "SUB-OLD")
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, stored.Status)
		assert.Equal(t, int64(0), stored.ValidationCount)

		view, err := f.mgr.GetInfo(ctx, "SUB-OLD")
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, view.Status)

		// 重复校验不会再次写入过期事件
		_, err = f.mgr.Validate(ctx, "SUB-OLD", "device-A")
		assert.ErrorIs(t, err, ErrExpired)
		assert.Equal(t, []string{events.LicenseCreated, events.LicenseExpired}, f.pub.Types())
	})
}

func TestGetInfoRecomputesStaleStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-STALE", "2026-02-01", "2026-03-05"))
		require.NoError(t, err)

		view, err := f.mgr.GetInfo(ctx, "SUB-STALE")
		require.NoError(t, err)
		assert.Equal(t, model.StatusExpired, view.Status)

		// 查询不写入存储，也不发布事件
		stored, err := st.FindByKey(ctx, "SUB-STALE")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, stored.Status)
		assert.Equal(t, []string{events.LicenseCreated}, f.pub.Types())
	})
}

// extendBeforeExpire 在写入过期状态前插入一次管理端延期
type extendBeforeExpire struct {
	store.Store
	newEnd time.Time
}

func (s extendBeforeExpire) MarkExpired(ctx context.Context, key string, endDate time.Time) (bool, error) {
	current, err := s.Store.FindByKey(ctx, key)
	if err != nil {
		return false, err
	}
	current.EndDate = s.newEnd
	current.Status = model.StatusActive
	if err := s.Store.Save(ctx, current); err != nil {
		return false, err
	}
	return s.Store.MarkExpired(ctx, key, endDate)
}

func TestExpireDoesNotOverwriteConcurrentExtend(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		racing := extendBeforeExpire{Store: st, newEnd: time.Date(2026, 12, 31, 0, 0, 0, 0, testLoc)}
		f := newFixture(t, racing)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-RACE", "2026-02-01", "2026-03-05"))
		require.NoError(t, err)

		_, err = f.mgr.Validate(ctx, "SUB-RACE", "device-A")
		assert.ErrorIs(t, err, ErrExpired)
		assert.NotContains(t, f.pub.Types(), events.LicenseExpired)

		stored, err := st.FindByKey(ctx, "SUB-RACE")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, stored.Status)

		res, err := f.mgr.Validate(ctx, "SUB-RACE", "device-A")
		require.NoError(t, err)
		assert.True(t, res.Valid)

		view, err := f.mgr.GetInfo(ctx, "SUB-RACE")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, view.Status)
		assert.True(t, view.EndDate.Equal(racing.newEnd))
	})
}

func TestExtendRestoresActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-EXT", "2026-01-01", "2026-02-01"))
		require.NoError(t, err)
		_, err = f.mgr.Activate(ctx, "SUB-EXT", "device-A")
		assert.ErrorIs(t, err, ErrExpired)

		extended, err := f.mgr.Extend(ctx, "SUB-EXT", "2026-06-30")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, extended.Status)

		_, err = f.mgr.Activate(ctx, "SUB-EXT", "device-A")
		require.NoError(t, err)
		res, err := f.mgr.Validate(ctx, "SUB-EXT", "device-A")
		require.NoError(t, err)
		assert.True(t, res.Valid)

		view, err := f.mgr.GetInfo(ctx, "SUB-EXT")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, view.Status)
		assert.True(t, view.DeviceBound)
	})
}

func TestExtendKeepsBindingAndCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-KEEP", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)
		_, err = f.mgr.Activate(ctx, "SUB-KEEP", "device-A")
		require.NoError(t, err)
		_, err = f.mgr.Validate(ctx, "SUB-KEEP", "device-A")
		require.NoError(t, err)

		_, err = f.mgr.Extend(ctx, "SUB-KEEP", "2027-12-31")
		require.NoError(t, err)

		stored, err := st.FindByKey(ctx, "SUB-KEEP")
		require.NoError(t, err)
		assert.True(t, stored.BoundTo("device-A"))
		assert.Equal(t, int64(1), stored.ValidationCount)
	})
}

func TestExtendErrors(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	ctx := context.Background()

	_, err := f.mgr.Extend(ctx, "MISSING", "2026-06-30")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.mgr.CreateSubscription(ctx, subscription("SUB-X", "2026-01-01", "2026-02-01"))
	require.NoError(t, err)
	_, err = f.mgr.Extend(ctx, "SUB-X", "soon")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBindOnValidate(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, store.NewMemoryStore())
		ctx := context.Background()
		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-NB", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)

		_, err = f.mgr.Validate(ctx, "SUB-NB", "device-A")
		require.NoError(t, err)
		// 未绑定时任意设备都可以校验
		_, err = f.mgr.Validate(ctx, "SUB-NB", "device-B")
		require.NoError(t, err)

		view, err := f.mgr.GetInfo(ctx, "SUB-NB")
		require.NoError(t, err)
		assert.False(t, view.DeviceBound)
	})

	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t, store.NewMemoryStore(), func(cfg *ManagerConfig) { cfg.BindOnValidate = true })
		ctx := context.Background()
		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-B", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)

		_, err = f.mgr.Validate(ctx, "SUB-B", "device-A")
		require.NoError(t, err)
		_, err = f.mgr.Validate(ctx, "SUB-B", "device-B")
		assert.ErrorIs(t, err, ErrDeviceMismatch)
	})
}

func TestConcurrentValidationsCountEveryCall(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()
		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-CNT", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)
		_, err = f.mgr.Activate(ctx, "SUB-CNT", "device-A")
		require.NoError(t, err)

		const calls = 40
		var wg sync.WaitGroup
		errs := make(chan error, calls)
		for i := 0; i < calls; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.mgr.Validate(ctx, "SUB-CNT", "device-A"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("validate failed: %v", err)
		}

		stored, err := st.FindByKey(ctx, "SUB-CNT")
		require.NoError(t, err)
		assert.Equal(t, int64(calls), stored.ValidationCount)
	})
}

func TestStatistics(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		f := newFixture(t, st)
		ctx := context.Background()

		_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-S1", "2026-03-01", "2026-12-31"))
		require.NoError(t, err)
		_, err = f.mgr.CreateSubscription(ctx, subscription("SUB-S2", "2026-01-01", "2026-02-01"))
		require.NoError(t, err)
		_, err = f.mgr.Activate(ctx, "SUB-S1", "device-A")
		require.NoError(t, err)
		_, err = f.mgr.StartTrial(ctx, "device-B")
		require.NoError(t, err)

		stats, err := f.mgr.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalLicenses)
		assert.Equal(t, int64(1), stats.ExpiredLicenses)
		assert.Equal(t, int64(2), stats.ActiveLicenses)
		assert.Equal(t, int64(1), stats.TrialLicenses)
		assert.Equal(t, int64(2), stats.SubscriptionLicenses)
		assert.Equal(t, int64(2), stats.BoundLicenses)
		assert.Equal(t, int64(1), stats.TotalValidations)
	})
}

func TestStatisticsFollowTrialExpiryRule(t *testing.T) {
	tests := []struct {
		name    string
		exact   bool
		expired int64
	}{
		{name: "end of day", exact: false, expired: 0},
		{name: "exact", exact: true, expired: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st store.Store) {
				f := newFixture(t, st, func(cfg *ManagerConfig) { cfg.TrialExact = tt.exact })
				ctx := context.Background()

				_, err := f.mgr.StartTrial(ctx, "device-A")
				require.NoError(t, err)
				// 试用在 09:05 结束，同一天稍后统计
				f.clock.Set(f.clock.Now().Add(time.Hour))

				stats, err := f.mgr.Statistics(ctx)
				require.NoError(t, err)
				assert.Equal(t, tt.expired, stats.ExpiredLicenses)
				assert.Equal(t, 1-tt.expired, stats.ActiveLicenses)
			})
		})
	}
}

type failingStore struct {
	store.Store
}

var errBackend = errors.New("connection refused")

func (failingStore) FindByKey(context.Context, string) (*model.License, error) {
	return nil, errBackend
}

func (failingStore) FindByDeviceAndKind(context.Context, string, model.Kind) (*model.License, error) {
	return nil, errBackend
}

func (failingStore) Insert(context.Context, *model.License) error {
	return errBackend
}

func TestStorageErrors(t *testing.T) {
	f := newFixture(t, failingStore{})
	ctx := context.Background()

	_, err := f.mgr.CreateSubscription(ctx, subscription("SUB-F", "2026-03-01", "2026-12-31"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, errBackend)

	_, err = f.mgr.StartTrial(ctx, "device-A")
	assert.ErrorIs(t, err, ErrStorage)

	_, err = f.mgr.Validate(ctx, "SUB-F", "device-A")
	assert.ErrorIs(t, err, ErrStorage)

	_, err = f.mgr.GetInfo(ctx, "SUB-F")
	assert.ErrorIs(t, err, ErrStorage)
}
