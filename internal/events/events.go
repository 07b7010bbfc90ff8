// Package events 许可证生命周期事件及其发布器
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"license-server/internal/model"

	"github.com/google/uuid"
)

const (
	LicenseCreated   = "license.created"
	TrialStarted     = "trial.started"
	LicenseActivated = "license.activated"
	LicenseValidated = "license.validated"
	LicenseExpired   = "license.expired"
	LicenseExtended  = "license.extended"
)

type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	LicenseKey string            `json:"license_key"`
	Kind       model.Kind        `json:"kind"`
	License    model.LicenseView `json:"license"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func New(eventType string, license *model.License, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		LicenseKey: license.Key,
		Kind:       license.Kind,
		License:    license.View(),
		OccurredAt: at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// LogPublisher 以结构化日志输出事件
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "license event",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("license_key", event.LicenseKey),
		slog.String("kind", string(event.Kind)),
	)
	return nil
}

// Multi 依次发布到所有发布器，汇总错误
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async 在后台发布，不阻塞请求；错误只记录日志
type Async struct {
	next    Publisher
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func NewAsync(next Publisher, logger *slog.Logger, timeout time.Duration) *Async {
	return &Async{next: next, logger: logger, timeout: timeout}
}

func (a *Async) Publish(_ context.Context, event Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("发布器已关闭，丢弃事件",
			slog.String("event_type", event.Type),
			slog.String("license_key", event.LicenseKey),
		)
		return nil
	}
	a.pending.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Publish(ctx, event); err != nil {
			a.logger.Error("事件发布失败",
				slog.String("event_type", event.Type),
				slog.String("license_key", event.LicenseKey),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Close 停止接收新事件并等待进行中的发布完成，ctx 结束时放弃等待
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
