package handler

import (
	"context"
	"fmt"

	"github.com/partshive/partshive/taskplane/task"
)

// PartEnrichmentHandler enriches a single part from the supplier APIs.
type PartEnrichmentHandler struct {
	BaseHandler
	supplier SupplierClient
}

func NewPartEnrichmentHandler(supplier SupplierClient) *PartEnrichmentHandler {
	return &PartEnrichmentHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypePartEnrichment,
			HumanName: "Part Enrichment",
			Desc:      "Enrich a single part with supplier data",
		},
		supplier: supplier,
	}
}

func (h *PartEnrichmentHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	partID, err := h.RequireString(t, "part_id")
	if err != nil {
		return nil, err
	}
	capabilities := h.StringsInput(t, "capabilities")
	if len(capabilities) == 0 {
		capabilities = []string{"specifications"}
	}

	if err := rep.Progress(ctx, 5, "contacting supplier"); err != nil {
		return nil, err
	}
	doc, err := h.supplier.Enrich(ctx, partID, capabilities)
	if err != nil {
		return nil, fmt.Errorf("enrich part %s: %w", partID, err)
	}
	if err := rep.Progress(ctx, 90, "merging supplier data"); err != nil {
		return nil, err
	}
	return task.JSONMap{
		"part_id":      partID,
		"capabilities": capabilities,
		"enrichment":   map[string]interface{}(doc),
	}, nil
}

// BulkEnrichmentHandler enriches a batch of parts, tolerating per-part
// failures. The task fails only when every part fails.
type BulkEnrichmentHandler struct {
	BaseHandler
	supplier SupplierClient
}

func NewBulkEnrichmentHandler(supplier SupplierClient) *BulkEnrichmentHandler {
	return &BulkEnrichmentHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeBulkEnrichment,
			HumanName: "Bulk Enrichment",
			Desc:      "Enrich a batch of parts with supplier data",
		},
		supplier: supplier,
	}
}

func (h *BulkEnrichmentHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	ids, err := h.partIDs(t)
	if err != nil {
		return nil, err
	}
	capabilities := h.StringsInput(t, "capabilities")
	if len(capabilities) == 0 {
		capabilities = []string{"specifications"}
	}
	batchSize := h.IntInput(t, "batch_size", 1)
	if batchSize < 1 {
		batchSize = 1
	}

	enriched := 0
	failed := 0
	var failures []interface{}
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := rep.Progress(ctx, percentOf(start, len(ids), 0, 95),
			fmt.Sprintf("enriching parts %d-%d of %d", start+1, end, len(ids))); err != nil {
			return nil, err
		}
		for _, id := range ids[start:end] {
			if err := h.Checkpoint(ctx); err != nil {
				return nil, err
			}
			if _, err := h.supplier.Enrich(ctx, id, capabilities); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				failed++
				failures = append(failures, map[string]interface{}{"part_id": id, "error": err.Error()})
				rep.Log(ctx, "warn", fmt.Sprintf("part %s failed: %v", id, err))
				continue
			}
			enriched++
		}
	}
	if enriched == 0 && failed > 0 {
		return nil, errf("all %d parts failed enrichment", failed)
	}
	result := task.JSONMap{
		"total":    len(ids),
		"enriched": enriched,
		"failed":   failed,
	}
	if len(failures) > 0 {
		result["failures"] = failures
	}
	return result, nil
}

// FileImportEnrichmentHandler imports part rows from an uploaded file and
// enriches each imported part.
type FileImportEnrichmentHandler struct {
	BaseHandler
	supplier SupplierClient
	parts    PartsBridge
}

func NewFileImportEnrichmentHandler(supplier SupplierClient, parts PartsBridge) *FileImportEnrichmentHandler {
	return &FileImportEnrichmentHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeFileImportEnrichment,
			HumanName: "File Import Enrichment",
			Desc:      "Import parts from a file and enrich them",
		},
		supplier: supplier,
		parts:    parts,
	}
}

func (h *FileImportEnrichmentHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	fileRef, err := h.RequireString(t, "file_ref")
	if err != nil {
		return nil, err
	}
	batchSize := h.IntInput(t, "batch_size", 10)

	if err := rep.Progress(ctx, 5, "importing file rows"); err != nil {
		return nil, err
	}
	ids, err := h.parts.ImportRows(ctx, fileRef, batchSize)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", fileRef, err)
	}
	if len(ids) == 0 {
		return task.JSONMap{"imported": 0, "enriched": 0}, nil
	}

	capabilities := h.StringsInput(t, "capabilities")
	if len(capabilities) == 0 {
		capabilities = []string{"specifications"}
	}
	enriched := 0
	for i, id := range ids {
		if err := rep.Progress(ctx, percentOf(i, len(ids), 10, 95),
			fmt.Sprintf("enriching imported part %d of %d", i+1, len(ids))); err != nil {
			return nil, err
		}
		if _, err := h.supplier.Enrich(ctx, id, capabilities); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rep.Log(ctx, "warn", fmt.Sprintf("imported part %s failed enrichment: %v", id, err))
			continue
		}
		enriched++
	}
	return task.JSONMap{
		"file_ref": fileRef,
		"imported": len(ids),
		"enriched": enriched,
	}, nil
}
