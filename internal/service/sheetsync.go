package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"license-server/internal/config"
	"license-server/internal/events"
	"license-server/internal/model"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetSyncService 将许可证镜像到 Google Sheet，并支持从导入表批量创建订阅
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	importSheet   string
	logger        *slog.Logger

	// 同一密钥的并发更新可能重复追加行
	mu sync.Mutex
}

// SubscriptionCreator 导入时使用的创建入口
type SubscriptionCreator interface {
	CreateSubscription(ctx context.Context, in model.CreateLicenseInput) (*model.License, error)
}

type ImportResult struct {
	Created int
	Skipped int
}

var mirrorHeader = []interface{}{
	"key", "type", "status", "assignedTo", "startDate", "endDate",
	"deviceBound", "validationCount", "lastValidatedAt", "createdAt",
}

func NewSheetSyncService(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger) (*SheetSyncService, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	// 读取凭证文件
	b, err := os.ReadFile(cfg.CredentialPath)
	if err != nil {
		return nil, fmt.Errorf("读取凭证文件失败: %w", err)
	}

	// 使用服务账号授权
	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("无法加载凭证: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("创建 Sheets 客户端失败: %w", err)
	}
	return NewSheetSyncWithService(srv, cfg, logger), nil
}

func NewSheetSyncWithService(srv *sheets.Service, cfg config.SheetsConfig, logger *slog.Logger) *SheetSyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SheetSyncService{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		importSheet:   cfg.ImportSheet,
		logger:        logger,
	}
}

// Publish 实现 events.Publisher，校验事件只更新计数，不写表
func (s *SheetSyncService) Publish(ctx context.Context, event events.Event) error {
	if s == nil || event.Type == events.LicenseValidated {
		return nil
	}
	return s.SyncLicense(ctx, event.License)
}

// SyncLicense 按密钥更新已有行，不存在时追加
func (s *SheetSyncService) SyncLicense(ctx context.Context, license model.LicenseView) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// 先检查Sheet中是否已存在该Key
	keyResp, err := s.service.Spreadsheets.Values.
		Get(s.spreadsheetID, fmt.Sprintf("%s!A2:A", s.sheetName)).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("查询Sheet数据失败: %w", err)
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && fmt.Sprint(row[0]) == license.Key {
			rowIndex = i + 2 // A2 开始
			break
		}
	}

	values := &sheets.ValueRange{Values: [][]interface{}{mirrorRow(license)}}
	if rowIndex > 0 {
		_, err = s.service.Spreadsheets.Values.Update(
			s.spreadsheetID,
			fmt.Sprintf("%s!A%d:J%d", s.sheetName, rowIndex, rowIndex),
			values,
		).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(
			s.spreadsheetID,
			s.sheetName+"!A2:J",
			values,
		).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("同步到Google Sheet失败: %w", err)
	}

	s.logger.DebugContext(ctx, "许可证已同步到 Google Sheet",
		slog.String("license_key", license.Key),
		slog.Bool("updated", rowIndex > 0),
	)
	return nil
}

// WriteHeader 写入镜像表的表头
func (s *SheetSyncService) WriteHeader(ctx context.Context) error {
	if s == nil {
		return nil
	}
	_, err := s.service.Spreadsheets.Values.Update(
		s.spreadsheetID,
		s.sheetName+"!A1:J1",
		&sheets.ValueRange{Values: [][]interface{}{mirrorHeader}},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	return nil
}

// ImportSubscriptions 读取导入表（key, assignedTo, startDate, endDate），已存在的密钥跳过
func (s *SheetSyncService) ImportSubscriptions(ctx context.Context, creator SubscriptionCreator) (ImportResult, error) {
	var result ImportResult
	if s == nil {
		return result, nil
	}

	resp, err := s.service.Spreadsheets.Values.
		Get(s.spreadsheetID, s.importSheet+"!A2:D").
		Context(ctx).Do()
	if err != nil {
		return result, fmt.Errorf("读取导入表失败: %w", err)
	}

	for i, row := range resp.Values {
		input, err := parseSheetRow(row)
		if err != nil {
			s.logger.WarnContext(ctx, "导入行数据不完整，跳过",
				slog.Int("row", i+2),
				slog.String("error", err.Error()),
			)
			result.Skipped++
			continue
		}

		_, err = creator.CreateSubscription(ctx, input)
		switch {
		case err == nil:
			result.Created++
		case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrInvalidInput):
			s.logger.WarnContext(ctx, "导入行被跳过",
				slog.Int("row", i+2),
				slog.String("license_key", input.Key),
				slog.String("error", err.Error()),
			)
			result.Skipped++
		default:
			return result, fmt.Errorf("导入第%d行失败: %w", i+2, err)
		}
	}

	s.logger.InfoContext(ctx, "导入表处理完成",
		slog.Int("created", result.Created),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

func parseSheetRow(row []interface{}) (model.CreateLicenseInput, error) {
	if len(row) < 4 {
		return model.CreateLicenseInput{}, fmt.Errorf("expected 4 columns, got %d", len(row))
	}
	cell := func(i int) string { return strings.TrimSpace(fmt.Sprint(row[i])) }

	input := model.CreateLicenseInput{
		Key:        cell(0),
		AssignedTo: cell(1),
		StartDate:  cell(2),
		EndDate:    cell(3),
	}
	if input.Key == "" {
		return input, errors.New("missing key")
	}
	return input, nil
}

func mirrorRow(license model.LicenseView) []interface{} {
	lastValidated := ""
	if license.LastValidatedAt != nil {
		lastValidated = license.LastValidatedAt.UTC().Format(time.RFC3339)
	}
	return []interface{}{
		license.Key,
		string(license.Kind),
		string(license.Status),
		license.AssignedTo,
		license.StartDate.UTC().Format(time.RFC3339),
		license.EndDate.UTC().Format(time.RFC3339),
		license.DeviceBound,
		license.ValidationCount,
		lastValidated,
		license.CreatedAt.UTC().Format(time.RFC3339),
	}
}
