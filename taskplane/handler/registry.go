package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/partshive/partshive/taskplane/task"
)

// Registry maps task types to their single handler instance. Registration
// happens once at program start; lookups afterwards are lock-free reads in
// practice but guarded anyway.
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Type]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[task.Type]Handler)}
}

// Register installs a handler. Duplicate or unknown types are rejected.
func (r *Registry) Register(h Handler) error {
	if !h.Type().Valid() {
		return fmt.Errorf("register handler: unknown task type %q", h.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("register handler: type %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Lookup returns the handler for a type, or nil when none is registered.
func (r *Registry) Lookup(typ task.Type) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[typ]
}

// Info is the metadata surface exposed for discovery.
type Info struct {
	Type        task.Type `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

// List returns metadata for every registered handler, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, Info{Type: h.Type(), Name: h.Name(), Description: h.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Deps are the external collaborators the built-in handlers call. They are
// opaque here; production wiring supplies real clients and tests supply
// fakes.
type Deps struct {
	Supplier SupplierClient
	Parts    PartsBridge
	Backups  BackupRunner
	Mailer   Mailer
	Printers PrinterScanner
	// BackupDir is where backup archives and downloaded documents land.
	BackupDir string
}

// RegisterBuiltins installs one handler per task type.
func RegisterBuiltins(r *Registry, deps Deps) error {
	handlers := []Handler{
		NewPartEnrichmentHandler(deps.Supplier),
		NewBulkEnrichmentHandler(deps.Supplier),
		NewFileImportEnrichmentHandler(deps.Supplier, deps.Parts),
		NewFetchHandler(task.TypeFetchDatasheet, "datasheet", deps.Supplier),
		NewFetchHandler(task.TypeFetchImage, "image", deps.Supplier),
		NewFetchHandler(task.TypeFetchPricing, "pricing", deps.Supplier),
		NewFetchHandler(task.TypeFetchStock, "stock", deps.Supplier),
		NewFetchHandler(task.TypeFetchSpecifications, "specifications", deps.Supplier),
		NewDatasheetDownloadHandler(deps.BackupDir),
		NewPriceUpdateHandler(deps.Parts),
		NewDatabaseCleanupHandler(deps.Parts),
		NewInventoryAuditHandler(deps.Parts),
		NewPartValidationHandler(deps.Parts),
		NewBackupCreationHandler(task.TypeBackupCreation, deps.Backups),
		NewBackupCreationHandler(task.TypeBackupScheduled, deps.Backups),
		NewBackupRestoreHandler(deps.Backups),
		NewBackupRetentionHandler(deps.Backups),
		NewPrinterDiscoveryHandler(deps.Printers),
		NewEmailNotificationHandler(deps.Mailer),
		NewReportGenerationHandler(deps.Parts),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
