package task

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusRetry marks a failed task that has been re-queued. It is
	// dispatch-equivalent to StatusPending.
	StatusRetry Status = "retry"
)

// Terminal reports whether the status is final. Terminal rows are stable
// until delete.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Dispatchable reports whether a row in this status may be picked up by the
// dispatcher.
func (s Status) Dispatchable() bool {
	return s == StatusPending || s == StatusRetry
}

// CanTransition reports whether s -> to is a legal status transition.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending, StatusRetry:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		// Retry reset only. Enforcement of retry_count < max_retries happens
		// at the store/service layer where the row is visible.
		return to == StatusPending || to == StatusRetry
	default:
		return false
	}
}

// Priority orders dispatch between ready tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps priority to a sortable weight. Higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Type is the closed enumeration of task types. The strings are the exact
// wire values.
type Type string

const (
	TypePartEnrichment       Type = "part_enrichment"
	TypeBulkEnrichment       Type = "bulk_enrichment"
	TypeFetchDatasheet       Type = "fetch_datasheet"
	TypeFetchImage           Type = "fetch_image"
	TypeFetchPricing         Type = "fetch_pricing"
	TypeFetchStock           Type = "fetch_stock"
	TypeFetchSpecifications  Type = "fetch_specifications"
	TypePriceUpdate          Type = "price_update"
	TypeDatabaseCleanup      Type = "database_cleanup"
	TypeInventoryAudit       Type = "inventory_audit"
	TypePartValidation       Type = "part_validation"
	TypeFileImportEnrichment Type = "file_import_enrichment"
	TypeBackupCreation       Type = "backup_creation"
	TypeBackupRestore        Type = "backup_restore"
	TypeBackupScheduled      Type = "backup_scheduled"
	TypeBackupRetention      Type = "backup_retention"
	TypeDatasheetDownload    Type = "datasheet_download"
	TypePrinterDiscovery     Type = "printer_discovery"
	TypeEmailNotification    Type = "email_notification"
	TypeReportGeneration     Type = "report_generation"
)

// AllTypes lists every known task type in a stable order.
var AllTypes = []Type{
	TypePartEnrichment, TypeBulkEnrichment, TypeFetchDatasheet, TypeFetchImage,
	TypeFetchPricing, TypeFetchStock, TypeFetchSpecifications, TypePriceUpdate,
	TypeDatabaseCleanup, TypeInventoryAudit, TypePartValidation,
	TypeFileImportEnrichment, TypeBackupCreation, TypeBackupRestore,
	TypeBackupScheduled, TypeBackupRetention, TypeDatasheetDownload,
	TypePrinterDiscovery, TypeEmailNotification, TypeReportGeneration,
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	for _, k := range AllTypes {
		if t == k {
			return true
		}
	}
	return false
}

// JSONMap is an opaque structured payload stored as JSON text/JSONB.
// Implements sql.Scanner and driver.Valuer so both pgx and database/sql can
// round-trip it.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, (*map[string]interface{})(m))
	}
}

// Clone returns a deep copy through a JSON round-trip.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return JSONMap{}
	}
	var out JSONMap
	if err := json.Unmarshal(b, &out); err != nil {
		return JSONMap{}
	}
	return out
}

// Task is a persisted unit of background work. The store owns the canonical
// row; everything handed to handlers, subscribers, and API callers is a copy
// (see Clone).
type Task struct {
	ID          string   `json:"id" db:"id"`
	Type        Type     `json:"type" db:"type"`
	Name        string   `json:"name" db:"name"`
	Description string   `json:"description,omitempty" db:"description"`
	Status      Status   `json:"status" db:"status"`
	Priority    Priority `json:"priority" db:"priority"`

	Progress    int    `json:"progress" db:"progress"`
	CurrentStep string `json:"current_step,omitempty" db:"current_step"`

	Input        JSONMap `json:"input,omitempty" db:"input"`
	Result       JSONMap `json:"result,omitempty" db:"result"`
	ErrorMessage string  `json:"error_message,omitempty" db:"error_message"`

	MaxRetries     int `json:"max_retries" db:"max_retries"`
	RetryCount     int `json:"retry_count" db:"retry_count"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty" db:"timeout_seconds"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	CreatedByUserID   string `json:"created_by_user_id,omitempty" db:"created_by_user_id"`
	RelatedEntityType string `json:"related_entity_type,omitempty" db:"related_entity_type"`
	RelatedEntityID   string `json:"related_entity_id,omitempty" db:"related_entity_id"`

	ParentTaskID     string   `json:"parent_task_id,omitempty" db:"parent_task_id"`
	DependsOnTaskIDs []string `json:"depends_on_task_ids,omitempty" db:"depends_on_task_ids"`
}

// Clone returns an independent snapshot of the task safe to hand across
// goroutine boundaries.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Input = t.Input.Clone()
	c.Result = t.Result.Clone()
	if t.ScheduledAt != nil {
		ts := *t.ScheduledAt
		c.ScheduledAt = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.DependsOnTaskIDs != nil {
		c.DependsOnTaskIDs = append([]string(nil), t.DependsOnTaskIDs...)
	}
	return &c
}

// DeadlineSeconds returns the effective wall-clock ceiling for an execution
// attempt. Tasks without an explicit timeout fall back to the global default.
func (t *Task) DeadlineSeconds(defaultSeconds int) int {
	if t.TimeoutSeconds > 0 {
		return t.TimeoutSeconds
	}
	return defaultSeconds
}

// Patch is a partial update applied to a task row. Nil fields are left
// untouched. Status patches trigger the timestamp bookkeeping in the store.
type Patch struct {
	Status       *Status  `json:"status,omitempty"`
	Progress     *int     `json:"progress,omitempty"`
	CurrentStep  *string  `json:"current_step,omitempty"`
	Result       *JSONMap `json:"result,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	RetryCount   *int     `json:"retry_count,omitempty"`
	// RetryReset clears started_at/completed_at/error/step and zeroes
	// progress in the same write. Set by the retry path only.
	RetryReset bool `json:"-"`
}

// Filter selects task rows for List.
type Filter struct {
	Statuses          []Status   `json:"statuses,omitempty"`
	Types             []Type     `json:"types,omitempty"`
	Priorities        []Priority `json:"priorities,omitempty"`
	UserID            string     `json:"user_id,omitempty"`
	RelatedEntityType string     `json:"related_entity_type,omitempty"`
	RelatedEntityID   string     `json:"related_entity_id,omitempty"`
	Limit             int        `json:"limit,omitempty"`
	Offset            int        `json:"offset,omitempty"`
	OrderBy           string     `json:"order_by,omitempty"` // created_at, completed_at, priority, status
	OrderDesc         bool       `json:"order_desc,omitempty"`
}

// SubmitRequest is the payload accepted at the submission boundary.
type SubmitRequest struct {
	Type              Type       `json:"type"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Priority          Priority   `json:"priority,omitempty"`
	Input             JSONMap    `json:"input,omitempty"`
	MaxRetries        *int       `json:"max_retries,omitempty"`
	TimeoutSeconds    *int       `json:"timeout_seconds,omitempty"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	RelatedEntityType string     `json:"related_entity_type,omitempty"`
	RelatedEntityID   string     `json:"related_entity_id,omitempty"`
	ParentTaskID      string     `json:"parent_task_id,omitempty"`
	DependsOnTaskIDs  []string   `json:"depends_on_task_ids,omitempty"`
}

// BackupConfig is the singleton row driving the recurring scheduler.
type BackupConfig struct {
	ScheduleEnabled    bool       `json:"schedule_enabled" db:"schedule_enabled"`
	ScheduleType       string     `json:"schedule_type" db:"schedule_type"` // nightly, weekly, custom
	CronExpression     string     `json:"cron_expression,omitempty" db:"cron_expression"`
	RetentionCount     int        `json:"retention_count" db:"retention_count"`
	EncryptionRequired bool       `json:"encryption_required" db:"encryption_required"`
	EncryptionPassword string     `json:"encryption_password,omitempty" db:"encryption_password"`
	LastBackupAt       *time.Time `json:"last_backup_at,omitempty" db:"last_backup_at"`
	NextBackupAt       *time.Time `json:"next_backup_at,omitempty" db:"next_backup_at"`
}

// Clone returns an independent copy of the config.
func (c *BackupConfig) Clone() *BackupConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastBackupAt != nil {
		ts := *c.LastBackupAt
		out.LastBackupAt = &ts
	}
	if c.NextBackupAt != nil {
		ts := *c.NextBackupAt
		out.NextBackupAt = &ts
	}
	return &out
}

const (
	ScheduleNightly = "nightly"
	ScheduleWeekly  = "weekly"
	ScheduleCustom  = "custom"
)
