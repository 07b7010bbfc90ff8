package handler

import (
	"github.com/gofiber/fiber/v2"
)

// HandleLicenseStatistics 处理许可证统计信息请求
func (h *LicenseHandler) HandleLicenseStatistics(c *fiber.Ctx) error {
	stats, err := h.mgr.Statistics(c.UserContext())
	if err != nil {
		return h.storageFailure(c, "success", "Error loading statistics", err)
	}

	return c.JSON(fiber.Map{
		"success":            true,
		"statistics":         stats,
		"bindingRate":        stats.GetBindingRate(),
		"averageValidations": stats.GetAverageValidations(),
	})
}
