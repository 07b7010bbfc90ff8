package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"license-server/internal/metrics"
	"license-server/internal/model"
	"license-server/internal/service"
	"license-server/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// DeviceSource 提供本机设备标识；为 nil 时使用请求中的 deviceId
type DeviceSource interface {
	DeviceID() (string, error)
}

// HealthChecker 存储连通性检查
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Manager *service.LicenseManager
	Audit   *service.AuditLog
	Metrics *metrics.Metrics
	Tokens  *util.TokenIssuer
	Device  DeviceSource
	Health  HealthChecker
	Logger  *slog.Logger
}

type LicenseHandler struct {
	mgr      *service.LicenseManager
	audit    *service.AuditLog
	metrics  *metrics.Metrics
	tokens   *util.TokenIssuer
	device   DeviceSource
	health   HealthChecker
	logger   *slog.Logger
	validate *validator.Validate
}

func NewLicenseHandler(d Deps) *LicenseHandler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		mgr:      d.Manager,
		audit:    d.Audit,
		metrics:  d.Metrics,
		tokens:   d.Tokens,
		device:   d.Device,
		health:   d.Health,
		logger:   logger,
		validate: validator.New(),
	}
}

// Register 注册全部路由；throttle 只作用于试用和激活
func (h *LicenseHandler) Register(r fiber.Router, throttle fiber.Handler) {
	if throttle == nil {
		throttle = func(c *fiber.Ctx) error { return c.Next() }
	}

	r.Post("/createLicense", h.HandleCreateLicense)
	r.Post("/startTrial", throttle, h.HandleStartTrial)
	r.Post("/activateKey", throttle, h.HandleActivateKey)
	r.Post("/validateKey", h.HandleValidateKey)
	r.Put("/extendLicense", h.HandleExtendLicense)
	r.Get("/license/:key", h.HandleGetLicense)
	r.Post("/verifyToken", h.HandleVerifyToken)

	admin := r.Group("/admin")
	admin.Get("/statistics", h.HandleLicenseStatistics)
	admin.Get("/usage/:key", h.HandleLicenseUsage)
	admin.Get("/logs", h.HandleGetLogs)

	r.Get("/health", h.HandleHealth)
}

// HandleCreateLicense 管理员创建订阅许可证
func (h *LicenseHandler) HandleCreateLicense(c *fiber.Ctx) error {
	start := time.Now()
	input := new(model.CreateLicenseInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "success")
	}
	if err := h.validate.Struct(input); err != nil {
		h.observe("create", start, service.ErrInvalidInput)
		return c.JSON(fiber.Map{
			"success": false,
			"message": "Error creating license",
			"error":   err.Error(),
		})
	}

	license, err := h.mgr.CreateSubscription(c.UserContext(), *input)
	h.observe("create", start, err)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateKey):
			return fail(c, "success", "License key already exists")
		case errors.Is(err, service.ErrInvalidInput):
			return c.JSON(fiber.Map{
				"success": false,
				"message": "Error creating license",
				"error":   err.Error(),
			})
		default:
			return h.storageFailure(c, "success", "Error creating license", err)
		}
	}

	h.logOperation(c, "create", license.Key, input)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "License created",
		"license": license.View(),
	})
}

func (h *LicenseHandler) HandleStartTrial(c *fiber.Ctx) error {
	start := time.Now()
	input := new(model.StartTrialInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "success")
	}
	deviceID, err := h.resolveDevice(input.DeviceID)
	if err != nil {
		return h.storageFailure(c, "success", "Device identity unavailable", err)
	}

	trial, err := h.mgr.StartTrial(c.UserContext(), deviceID)
	h.observe("start_trial", start, err)
	key := ""
	if trial != nil {
		key = trial.Key
	}
	h.recordUsage(c, key, "start_trial", deviceID, err)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			return fail(c, "success", "Device ID required")
		case errors.Is(err, service.ErrTrialAlreadyUsed):
			return fail(c, "success", "Trial already used on this device")
		case errors.Is(err, service.ErrDuplicateKey):
			return fail(c, "success", "Could not allocate a trial key, please retry")
		default:
			return h.storageFailure(c, "success", "Error starting trial", err)
		}
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "Trial started",
		"key":       trial.Key,
		"expiresAt": trial.ExpiresAt,
	})
}

func (h *LicenseHandler) HandleActivateKey(c *fiber.Ctx) error {
	start := time.Now()
	input := new(model.KeyDeviceInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "success")
	}
	deviceID, err := h.resolveDevice(input.DeviceID)
	if err != nil {
		return h.storageFailure(c, "success", "Device identity unavailable", err)
	}

	result, err := h.mgr.Activate(c.UserContext(), input.LicenseKey, deviceID)
	h.observe("activate", start, err)
	h.recordUsage(c, input.LicenseKey, "activate", deviceID, err)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			return fail(c, "success", "Device ID required")
		case errors.Is(err, service.ErrNotFound):
			return fail(c, "success", "Invalid subscription key")
		case errors.Is(err, service.ErrExpired):
			return fail(c, "success", expiredMessage(err))
		case errors.Is(err, service.ErrDeviceMismatch):
			return fail(c, "success", "Key already used on another device")
		default:
			return h.storageFailure(c, "success", "Error activating key", err)
		}
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "Subscription key activated",
		"expiresAt": result.ExpiresAt,
	})
}

func (h *LicenseHandler) HandleValidateKey(c *fiber.Ctx) error {
	start := time.Now()
	input := new(model.KeyDeviceInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "valid")
	}
	deviceID, err := h.resolveDevice(input.DeviceID)
	if err != nil {
		return h.storageFailure(c, "valid", "Device identity unavailable", err)
	}

	result, err := h.mgr.Validate(c.UserContext(), input.LicenseKey, deviceID)
	h.observe("validate", start, err)
	h.recordUsage(c, input.LicenseKey, "validate", deviceID, err)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			return fail(c, "valid", "Device ID required")
		case errors.Is(err, service.ErrNotFound):
			return fail(c, "valid", "Invalid key")
		case errors.Is(err, service.ErrDeviceMismatch):
			return fail(c, "valid", "Key already used on another device")
		case errors.Is(err, service.ErrExpired):
			return fail(c, "valid", expiredMessage(err))
		default:
			return h.storageFailure(c, "valid", "Error validating key", err)
		}
	}

	message := "Subscription active"
	if result.Kind == model.KindTrial {
		message = "Trial active"
	}
	resp := fiber.Map{
		"valid":         true,
		"message":       message,
		"type":          result.Kind,
		"expiresAt":     result.ExpiresAt,
		"timeRemaining": result.TimeRemaining,
	}

	if h.tokens.Enabled() {
		deadline := h.mgr.Policy().Deadline(result.License)
		token, err := h.tokens.GenerateToken(result.License.Key, deviceID, string(result.Kind), deadline)
		if err != nil {
			h.logger.WarnContext(c.UserContext(), "签发校验凭据失败",
				slog.String("license_key", result.License.Key),
				slog.String("error", err.Error()),
			)
		} else {
			resp["token"] = token
		}
	}
	return c.JSON(resp)
}

// HandleExtendLicense 管理员延期，状态恢复为 Active
func (h *LicenseHandler) HandleExtendLicense(c *fiber.Ctx) error {
	start := time.Now()
	input := new(model.ExtendLicenseInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "success")
	}

	license, err := h.mgr.Extend(c.UserContext(), input.Key, input.NewEndDate)
	h.observe("extend", start, err)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			return fail(c, "success", "License not found")
		case errors.Is(err, service.ErrInvalidInput):
			return c.JSON(fiber.Map{
				"success": false,
				"message": "Invalid end date",
				"error":   err.Error(),
			})
		default:
			return h.storageFailure(c, "success", "Error extending license", err)
		}
	}

	h.logOperation(c, "extend", license.Key, input)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "License extended",
		"license": license.View(),
	})
}

// HandleGetLicense 管理端查询，只返回是否绑定，不返回设备ID
func (h *LicenseHandler) HandleGetLicense(c *fiber.Ctx) error {
	view, err := h.mgr.GetInfo(c.UserContext(), c.Params("key"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return fail(c, "success", "License not found")
		}
		return h.storageFailure(c, "success", "Error loading license", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"license": view,
	})
}

// HandleVerifyToken 校验 validateKey 签发的凭据，不访问存储
func (h *LicenseHandler) HandleVerifyToken(c *fiber.Ctx) error {
	input := new(model.VerifyTokenInput)
	if err := c.BodyParser(input); err != nil {
		return badRequest(c, "valid")
	}
	if err := h.validate.Struct(input); err != nil {
		return fail(c, "valid", "Token required")
	}
	if !h.tokens.Enabled() {
		return fail(c, "valid", "Token verification disabled")
	}

	claims, err := h.tokens.ValidateToken(input.Token)
	if err != nil {
		return fail(c, "valid", "Invalid token")
	}
	return c.JSON(fiber.Map{
		"valid":     true,
		"key":       claims.Key,
		"type":      claims.Kind,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

func (h *LicenseHandler) HandleHealth(c *fiber.Ctx) error {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *LicenseHandler) resolveDevice(supplied string) (string, error) {
	if h.device == nil {
		return supplied, nil
	}
	return h.device.DeviceID()
}

func (h *LicenseHandler) observe(operation string, start time.Time, err error) {
	h.metrics.Observe(operation, outcome(err), time.Since(start))
}

func (h *LicenseHandler) recordUsage(c *fiber.Ctx, key, action, deviceID string, err error) {
	if key == "" {
		return
	}
	usage := model.LicenseUsage{
		LicenseKey: key,
		Action:     action,
		Outcome:    outcome(err),
		DeviceID:   deviceID,
		IPAddress:  c.IP(),
		UserAgent:  c.Get(fiber.HeaderUserAgent),
	}
	if err := h.audit.RecordUsage(c.UserContext(), usage); err != nil {
		h.logger.WarnContext(c.UserContext(), "记录使用情况失败",
			slog.String("license_key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (h *LicenseHandler) logOperation(c *fiber.Ctx, action, key string, details interface{}) {
	if err := h.audit.LogOperation(c.UserContext(), action, "license", key, c.IP(), details); err != nil {
		h.logger.WarnContext(c.UserContext(), "记录操作日志失败",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func (h *LicenseHandler) storageFailure(c *fiber.Ctx, flag, message string, err error) error {
	h.logger.ErrorContext(c.UserContext(), message,
		slog.String("path", c.Path()),
		slog.String("error", err.Error()),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		flag:      false,
		"message": message,
		"error":   err.Error(),
	})
}

func fail(c *fiber.Ctx, flag, message string) error {
	return c.JSON(fiber.Map{
		flag:      false,
		"message": message,
	})
}

func badRequest(c *fiber.Ctx, flag string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		flag:      false,
		"message": "Invalid request body",
	})
}

func expiredMessage(err error) string {
	var expired *service.ExpiredError
	if errors.As(err, &expired) && expired.Kind == model.KindTrial {
		return "Trial expired. Please purchase a subscription."
	}
	return "Subscription expired. Please contact admin."
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, service.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, service.ErrNotFound):
		return "not_found"
	case errors.Is(err, service.ErrExpired):
		return "expired"
	case errors.Is(err, service.ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, service.ErrTrialAlreadyUsed):
		return "trial_used"
	case errors.Is(err, service.ErrDuplicateKey):
		return "duplicate"
	default:
		return "error"
	}
}
