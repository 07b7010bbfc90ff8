package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"license-server/internal/config"
	"license-server/internal/database"
	"license-server/internal/events"
	"license-server/internal/handler"
	"license-server/internal/logger"
	"license-server/internal/machine"
	"license-server/internal/metrics"
	"license-server/internal/middleware"
	"license-server/internal/service"
	"license-server/internal/store"
	"license-server/internal/util"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服务异常退出", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// 初始化存储
	st, db, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 事件发布：日志 + 可选的 kafka 与 Google Sheet 镜像
	publishers := events.Multi{events.NewLogPublisher(log)}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return err
		}
		defer kafka.Close()
		publishers = append(publishers, kafka)
	}
	sheetSync, err := service.NewSheetSyncService(ctx, cfg.Sheets, log)
	if err != nil {
		return fmt.Errorf("初始化 Google Sheet 同步失败: %w", err)
	}
	if sheetSync != nil {
		if err := sheetSync.WriteHeader(ctx); err != nil {
			log.Warn("写入 Google Sheet 表头失败", slog.String("error", err.Error()))
		}
		publishers = append(publishers, sheetSync)
	}

	// 先于 kafka 关闭执行，等待后台发布完成
	publisher := events.NewAsync(publishers, log, 10*time.Second)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := publisher.Close(drainCtx); err != nil {
			log.Warn("等待事件发布超时", slog.String("error", err.Error()))
		}
	}()

	mgr := service.NewLicenseManager(st, service.ManagerConfig{
		TrialDuration:  cfg.License.TrialDuration,
		TrialPrefix:    cfg.License.TrialPrefix,
		KeyRetries:     cfg.License.KeyRetries,
		BindOnValidate: cfg.License.BindOnValidate,
		Location:       loc,
		TrialExact:     cfg.License.TrialExactExpiry,
		Publisher:      publisher,
		Logger:         log,
	})

	if sheetSync != nil && cfg.Sheets.ImportOnStart {
		if _, err := sheetSync.ImportSubscriptions(ctx, mgr); err != nil {
			log.Warn("从 Google Sheet 导入失败", slog.String("error", err.Error()))
		}
	}

	var device handler.DeviceSource
	if cfg.License.DeviceSource == config.DeviceSourceMachine {
		device = machine.NewIdentity(log)
	}

	m := metrics.New()
	throttle, closeLimiter, err := newThrottle(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// 中间件
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{AllowOrigins: cfg.Server.AllowedOrigins}))

	api := fiber.Router(app)
	if cfg.Server.BasePath != "" {
		api = app.Group(cfg.Server.BasePath)
	}
	handler.NewLicenseHandler(handler.Deps{
		Manager: mgr,
		Audit:   service.NewAuditLog(db),
		Metrics: m,
		Tokens:  util.NewTokenIssuer(cfg.Receipt.Secret, cfg.Receipt.TTL),
		Device:  device,
		Health:  st,
		Logger:  log,
	}).Register(api, throttle)
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	errCh := make(chan error, 1)
	go func() {
		log.Info("许可证服务已启动", slog.String("addr", cfg.Address()))
		errCh <- app.Listen(cfg.Address())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("正在关闭服务")
	return app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
}

// openStore 返回许可证存储；gorm 驱动同时返回 *gorm.DB 供审计日志使用
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, *gorm.DB, func(), error) {
	if cfg.Database.Driver == "mongo" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Database.MongoURI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("连接 MongoDB 失败: %w", err)
		}
		closeFn := func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(shutdownCtx)
		}
		st, err := store.NewMongoStore(ctx, client.Database(cfg.Database.MongoDatabase))
		if err != nil {
			closeFn()
			return nil, nil, nil, err
		}
		log.Info("MongoDB 已就绪，审计日志不可用", slog.String("database", cfg.Database.MongoDatabase))
		return st, nil, closeFn, nil
	}

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return store.NewGormStore(db), db, func() { database.Close(db) }, nil
}

func newThrottle(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (fiber.Handler, func(), error) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}, nil
	}
	if cfg.RedisLimiter() {
		client, err := middleware.ConnectRedis(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		limiter := middleware.NewRedisLimiter(client, cfg.RateLimit.Window, cfg.RateLimit.Max)
		return middleware.RateLimit(limiter, m, log), func() { client.Close() }, nil
	}
	limiter := middleware.NewMemoryLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.Run(ctx, time.Minute, 10*time.Minute)
	return middleware.RateLimit(limiter, m, log), func() {}, nil
}
