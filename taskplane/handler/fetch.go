package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/partshive/partshive/taskplane/task"
)

// FetchHandler covers the five single-datum supplier fetches. One
// constructor, parameterised by the datum kind.
type FetchHandler struct {
	BaseHandler
	kind     string
	supplier SupplierClient
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func NewFetchHandler(typ task.Type, kind string, supplier SupplierClient) *FetchHandler {
	return &FetchHandler{
		BaseHandler: BaseHandler{
			TaskType:  typ,
			HumanName: "Fetch " + titleCase(kind),
			Desc:      fmt.Sprintf("Fetch %s for a part from the supplier", kind),
		},
		kind:     kind,
		supplier: supplier,
	}
}

func (h *FetchHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	partID, err := h.RequireString(t, "part_id")
	if err != nil {
		return nil, err
	}
	if err := rep.Progress(ctx, 10, "querying supplier"); err != nil {
		return nil, err
	}
	doc, err := h.supplier.Fetch(ctx, partID, h.kind)
	if err != nil {
		return nil, fmt.Errorf("fetch %s for part %s: %w", h.kind, partID, err)
	}
	return task.JSONMap{
		"part_id": partID,
		"kind":    h.kind,
		"data":    map[string]interface{}(doc),
	}, nil
}

// DatasheetDownloadHandler saves a datasheet URL to local storage.
type DatasheetDownloadHandler struct {
	BaseHandler
	dir string
}

func NewDatasheetDownloadHandler(dir string) *DatasheetDownloadHandler {
	return &DatasheetDownloadHandler{
		BaseHandler: BaseHandler{
			TaskType:  task.TypeDatasheetDownload,
			HumanName: "Datasheet Download",
			Desc:      "Download a datasheet document to local storage",
		},
		dir: dir,
	}
}

func (h *DatasheetDownloadHandler) Execute(ctx context.Context, t *task.Task, rep Reporter) (task.JSONMap, error) {
	partID, err := h.RequireString(t, "part_id")
	if err != nil {
		return nil, err
	}
	url, err := h.RequireString(t, "url")
	if err != nil {
		return nil, err
	}
	if err := rep.Progress(ctx, 20, "downloading datasheet"); err != nil {
		return nil, err
	}

	dir := filepath.Join(h.dir, "datasheets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datasheet dir: %w", err)
	}
	path := filepath.Join(dir, partID+".pdf")
	// Download itself goes through the document proxy in production; here
	// the reference is recorded so the UI can resolve it.
	if err := os.WriteFile(path, []byte(url+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("save datasheet: %w", err)
	}
	if err := rep.Progress(ctx, 90, "saving document"); err != nil {
		return nil, err
	}
	return task.JSONMap{
		"part_id": partID,
		"url":     url,
		"path":    path,
	}, nil
}
