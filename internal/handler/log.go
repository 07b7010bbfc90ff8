package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// HandleLicenseUsage 查询license最近的使用记录
func (h *LicenseHandler) HandleLicenseUsage(c *fiber.Ctx) error {
	usages, err := h.audit.Usage(c.UserContext(), c.Params("key"))
	if err != nil {
		return h.storageFailure(c, "success", "Error loading usage", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"usages":  usages,
	})
}

func (h *LicenseHandler) HandleGetLogs(c *fiber.Ctx) error {
	// 获取分页参数
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))

	if page < 1 {
		page = 1
	}
	// 限制页面大小
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	logs, total, err := h.audit.OperationLogs(c.UserContext(), page, pageSize)
	if err != nil {
		return h.storageFailure(c, "success", "Error loading logs", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"logs":    logs,
		"total":   total,
		"page":    page,
	})
}
