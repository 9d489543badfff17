package handler

import (
	"context"
	"fmt"

	"github.com/partshive/partshive/taskplane/task"
)

// PriceUpdateHandler refreshes pricing for a set of parts.
type PriceUpdateHandler struct {
	BaseHandler
	parts PartsBridge
}

func NewPriceUpdateHandler(parts PartsBridge) *PriceUpdateHandler {
	return &PriceUpdateHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypePriceUpdate,
			HumanName: "Price Update",
			Desc:      "Refresh pricing for a set of parts",
		},
		parts: parts,
	}
}

func (h *PriceUpdateHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	ids, err := h.partIDs(t)
	if err != nil {
		return nil, err
	}
	if err := rep.Progress(ctx, 10, fmt.Sprintf("updating prices for %d parts", len(ids))); err != nil {
		return nil, err
	}
	updated, err := h.parts.UpdatePrices(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("price update: %w", err)
	}
	return task.JSONMap{"requested": len(ids), "updated": updated}, nil
}

// DatabaseCleanupHandler removes orphaned rows and stale references.
type DatabaseCleanupHandler struct {
	BaseHandler
	parts PartsBridge
}

func NewDatabaseCleanupHandler(parts PartsBridge) *DatabaseCleanupHandler {
	return &DatabaseCleanupHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeDatabaseCleanup,
			HumanName: "Database Cleanup",
			Desc:      "Remove orphaned rows and stale references",
		},
		parts: parts,
	}
}

func (h *DatabaseCleanupHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	if err := rep.Progress(ctx, 10, "scanning for orphans"); err != nil {
		return nil, err
	}
	removed, err := h.parts.CleanupOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("database cleanup: %w", err)
	}
	if err := rep.Progress(ctx, 90, "cleanup complete"); err != nil {
		return nil, err
	}
	return task.JSONMap{"removed": removed}, nil
}

// InventoryAuditHandler runs a full inventory consistency audit.
type InventoryAuditHandler struct {
	BaseHandler
	parts PartsBridge
}

func NewInventoryAuditHandler(parts PartsBridge) *InventoryAuditHandler {
	return &InventoryAuditHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeInventoryAudit,
			HumanName: "Inventory Audit",
			Desc:      "Audit inventory counts for consistency",
		},
		parts: parts,
	}
}

func (h *InventoryAuditHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	if err := rep.Progress(ctx, 10, "auditing inventory"); err != nil {
		return nil, err
	}
	report, err := h.parts.AuditInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory audit: %w", err)
	}
	return report, nil
}

// PartValidationHandler checks part records for data issues.
type PartValidationHandler struct {
	BaseHandler
	parts PartsBridge
}

func NewPartValidationHandler(parts PartsBridge) *PartValidationHandler {
	return &PartValidationHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypePartValidation,
			HumanName: "Part Validation",
			Desc:      "Validate part records for data issues",
		},
		parts: parts,
	}
}

func (h *PartValidationHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	ids, err := h.partIDs(t)
	if err != nil {
		return nil, err
	}
	checked := 0
	withIssues := 0
	var findings []interface{}
	for i, id := range ids {
		if err := rep.Progress(ctx, percentOf(i, len(ids), 0, 95),
			fmt.Sprintf("validating part %d of %d", i+1, len(ids))); err != nil {
			return nil, err
		}
		issues, err := h.parts.ValidatePart(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rep.Log(ctx, "warn", fmt.Sprintf("part %s: validation error: %v", id, err))
			continue
		}
		checked++
		if len(issues) > 0 {
			withIssues++
			findings = append(findings, map[string]interface{}{"part_id": id, "issues": issues})
		}
	}
	result := task.JSONMap{"checked": checked, "with_issues": withIssues}
	if len(findings) > 0 {
		result["findings"] = findings
	}
	return result, nil
}

// ReportGenerationHandler builds a named report over the parts database.
type ReportGenerationHandler struct {
	BaseHandler
	parts PartsBridge
}

func NewReportGenerationHandler(parts PartsBridge) *ReportGenerationHandler {
	return &ReportGenerationHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeReportGeneration,
			HumanName: "Report Generation",
			Desc:      "Generate an inventory or usage report",
		},
		parts: parts,
	}
}

func (h *ReportGenerationHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	reportType := h.StringInput(t, "report_type")
	if reportType == "" {
		reportType = "inventory_summary"
	}
	if err := rep.Progress(ctx, 10, "collecting report data"); err != nil {
		return nil, err
	}
	report, err := h.parts.BuildReport(ctx, reportType)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", reportType, err)
	}
	if err := rep.Progress(ctx, 90, "rendering report"); err != nil {
		return nil, err
	}
	return report, nil
}
