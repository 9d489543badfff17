package handler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/partshive/partshive/taskplane/task"
)

// SupplierClient is the seam to the supplier integrations. Enrichment and
// fetch handlers treat it as opaque; implementations live outside the task
// subsystem.
type SupplierClient interface {
	// Enrich pulls the requested capability set for one part and returns
	// the merged document.
	Enrich(ctx context.Context, partID string, capabilities []string) (task.JSONMap, error)

	// Fetch retrieves a single datum kind (datasheet, image, pricing,
	// stock, specifications) for one part.
	Fetch(ctx context.Context, partID, kind string) (task.JSONMap, error)
}

// PartsBridge is the seam to the parts database for maintenance-style
// handlers. The subsystem never touches part rows directly.
type PartsBridge interface {
	CleanupOrphans(ctx context.Context) (removed int, err error)
	AuditInventory(ctx context.Context) (task.JSONMap, error)
	ValidatePart(ctx context.Context, partID string) (issues []string, err error)
	UpdatePrices(ctx context.Context, partIDs []string) (updated int, err error)
	BuildReport(ctx context.Context, reportType string) (task.JSONMap, error)
	ImportRows(ctx context.Context, fileRef string, batchSize int) (rows []string, err error)
}

// BackupRunner performs database backup and restore. Archive naming must be
// deterministic in its inputs so a retried run overwrites instead of
// duplicating.
type BackupRunner interface {
	Create(ctx context.Context, name, password string) (path string, sizeBytes int64, err error)
	Restore(ctx context.Context, path, password string) error
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, path string) error
}

// Mailer sends notification mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// PrinterScanner discovers label printers on the local network.
type PrinterScanner interface {
	Discover(ctx context.Context) ([]task.JSONMap, error)
}

// --- local default implementations (dev mode / tests) ---

// LocalSupplier serves canned supplier data without network access.
type LocalSupplier struct {
	// Latency simulates the per-call round trip.
	Latency time.Duration
}

func (s *LocalSupplier) delay(ctx context.Context) error {
	if s.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *LocalSupplier) Enrich(ctx context.Context, partID string, capabilities []string) (task.JSONMap, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	doc := task.JSONMap{"part_id": partID, "supplier": "local"}
	for _, c := range capabilities {
		doc[c] = "n/a"
	}
	return doc, nil
}

func (s *LocalSupplier) Fetch(ctx context.Context, partID, kind string) (task.JSONMap, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	return task.JSONMap{"part_id": partID, "kind": kind, "found": false}, nil
}

// FileBackupRunner keeps archives as flat files under a directory.
type FileBackupRunner struct {
	Dir string
}

func (r *FileBackupRunner) Create(ctx context.Context, name, password string) (string, int64, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(r.Dir, name+".backup")
	content := fmt.Sprintf("partshive backup %s created %s encrypted=%v\n",
		name, time.Now().UTC().Format(time.RFC3339), password != "")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}

func (r *FileBackupRunner) Restore(ctx context.Context, path, password string) error {
	_, err := os.Stat(path)
	return err
}

func (r *FileBackupRunner) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".backup") {
			out = append(out, filepath.Join(r.Dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *FileBackupRunner) Remove(ctx context.Context, path string) error {
	return os.Remove(path)
}

// NoopPartsBridge satisfies PartsBridge where no parts database is wired.
type NoopPartsBridge struct{}

func (NoopPartsBridge) CleanupOrphans(ctx context.Context) (int, error) { return 0, nil }
func (NoopPartsBridge) AuditInventory(ctx context.Context) (task.JSONMap, error) {
	return task.JSONMap{"parts_checked": 0}, nil
}
func (NoopPartsBridge) ValidatePart(ctx context.Context, partID string) ([]string, error) {
	return nil, nil
}
func (NoopPartsBridge) UpdatePrices(ctx context.Context, partIDs []string) (int, error) {
	return 0, nil
}
func (NoopPartsBridge) BuildReport(ctx context.Context, reportType string) (task.JSONMap, error) {
	return task.JSONMap{"report_type": reportType, "rows": 0}, nil
}
func (NoopPartsBridge) ImportRows(ctx context.Context, fileRef string, batchSize int) ([]string, error) {
	return nil, nil
}

// LogMailer writes mail to the process log instead of SMTP.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, body string) error {
	log.Printf("[MAIL] to=%s subject=%q bytes=%d", to, subject, len(body))
	return nil
}

// NoopPrinterScanner finds nothing.
type NoopPrinterScanner struct{}

func (NoopPrinterScanner) Discover(ctx context.Context) ([]task.JSONMap, error) {
	return nil, nil
}

// DefaultDeps wires the local implementations for dev mode.
func DefaultDeps(backupDir string) Deps {
	return Deps{
		Supplier:  &LocalSupplier{Latency: 50 * time.Millisecond},
		Parts:     NoopPartsBridge{},
		Backups:   &FileBackupRunner{Dir: backupDir},
		Mailer:    LogMailer{},
		Printers:  NoopPrinterScanner{},
		BackupDir: backupDir,
	}
}
