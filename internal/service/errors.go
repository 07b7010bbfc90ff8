package service

import (
	"errors"
	"fmt"
	"time"

	"license-server/internal/model"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateKey     = errors.New("license key already exists")
	ErrNotFound         = errors.New("license not found")
	ErrTrialAlreadyUsed = errors.New("trial already used on this device")
	ErrDeviceMismatch   = errors.New("license bound to another device")
	ErrExpired          = errors.New("license expired")
	ErrStorage          = errors.New("storage unavailable")
)

// ExpiredError 携带许可证类型，便于按类型返回提示
type ExpiredError struct {
	Kind    model.Kind
	EndDate time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s license expired after %s", e.Kind, e.EndDate.Format(time.DateOnly))
}

func (e *ExpiredError) Unwrap() error {
	return ErrExpired
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
