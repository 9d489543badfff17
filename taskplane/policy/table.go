package policy

import "github.com/partshive/partshive/taskplane/task"

// Security levels, lowest to highest.
const (
	LevelUser      = "user"
	LevelPowerUser = "power_user"
	LevelAdmin     = "admin"
	LevelSystem    = "system"
)

// Risk classes.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// CapabilityAdmin exempts a user from rate limits.
const CapabilityAdmin = "admin"

// ResourceLimits caps payload sizes per task type. Zero means no cap.
type ResourceLimits struct {
	MaxParts        int
	BatchSize       int
	MaxCapabilities int
}

// Rule is the static per-type policy row. The table is immutable for the
// lifetime of a process.
type Rule struct {
	Type          task.Type
	Level         string
	Risk          string
	Required      []string
	MaxConcurrent int
	// RatePerHour / RatePerDay of 0 means unlimited.
	RatePerHour      int
	RatePerDay       int
	Limits           ResourceLimits
	AuditDetail      string // minimal, standard, full
	RequiresApproval bool
}

// Table returns the fixed policy table loaded at startup.
func Table() map[task.Type]Rule {
	rules := []Rule{
		{
			Type: task.TypePartEnrichment, Level: LevelUser, Risk: RiskMedium,
			Required:      []string{"parts:write", "tasks:user"},
			MaxConcurrent: 3, RatePerHour: 30, RatePerDay: 150,
			Limits:      ResourceLimits{MaxParts: 1, MaxCapabilities: 5},
			AuditDetail: "standard",
		},
		{
			Type: task.TypeBulkEnrichment, Level: LevelPowerUser, Risk: RiskHigh,
			Required:      []string{"parts:write", "tasks:power_user"},
			MaxConcurrent: 2, RatePerHour: 50, RatePerDay: 200,
			Limits:      ResourceLimits{MaxParts: 50, BatchSize: 10},
			AuditDetail: "full",
		},
		{
			Type: task.TypeFetchDatasheet, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "tasks:user"},
			MaxConcurrent: 3, RatePerHour: 60, RatePerDay: 300,
			Limits:      ResourceLimits{MaxParts: 1},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypeFetchImage, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "tasks:user"},
			MaxConcurrent: 3, RatePerHour: 60, RatePerDay: 300,
			Limits:      ResourceLimits{MaxParts: 1},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypeFetchPricing, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "pricing:read", "tasks:user"},
			MaxConcurrent: 3, RatePerHour: 60, RatePerDay: 300,
			Limits:      ResourceLimits{MaxParts: 1},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypeFetchStock, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "tasks:user"},
			MaxConcurrent: 3, RatePerHour: 60, RatePerDay: 300,
			Limits:      ResourceLimits{MaxParts: 1},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypeFetchSpecifications, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "tasks:user"},
			MaxConcurrent: 3, RatePerHour: 60, RatePerDay: 300,
			Limits:      ResourceLimits{MaxParts: 1},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypePriceUpdate, Level: LevelPowerUser, Risk: RiskMedium,
			Required:      []string{"parts:write", "pricing:update", "tasks:power_user"},
			MaxConcurrent: 1, RatePerHour: 5, RatePerDay: 20,
			AuditDetail: "full",
		},
		{
			Type: task.TypeDatabaseCleanup, Level: LevelAdmin, Risk: RiskCritical,
			Required:      []string{"admin", "database:cleanup", "tasks:admin"},
			MaxConcurrent: 1, RatePerHour: 1, RatePerDay: 3,
			AuditDetail: "full",
		},
		{
			Type: task.TypeInventoryAudit, Level: LevelSystem, Risk: RiskLow,
			Required:      []string{"system", "inventory:audit"},
			MaxConcurrent: 1,
			AuditDetail:   "standard",
		},
		{
			Type: task.TypePartValidation, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "tasks:user"},
			MaxConcurrent: 2, RatePerHour: 30, RatePerDay: 150,
			Limits:      ResourceLimits{MaxParts: 100},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypeFileImportEnrichment, Level: LevelPowerUser, Risk: RiskHigh,
			Required:      []string{"parts:write", "csv:import", "tasks:power_user"},
			MaxConcurrent: 2, RatePerHour: 20, RatePerDay: 100,
			Limits:      ResourceLimits{MaxParts: 1000},
			AuditDetail: "full",
		},
		{
			Type: task.TypeBackupCreation, Level: LevelAdmin, Risk: RiskHigh,
			Required:      []string{"admin", "backup:create", "tasks:admin"},
			MaxConcurrent: 1, RatePerHour: 2, RatePerDay: 5,
			AuditDetail: "full",
		},
		{
			Type: task.TypeBackupRestore, Level: LevelAdmin, Risk: RiskCritical,
			Required:      []string{"admin", "backup:restore", "tasks:admin"},
			MaxConcurrent: 1, RatePerHour: 1, RatePerDay: 2,
			AuditDetail:      "full",
			RequiresApproval: true,
		},
		{
			Type: task.TypeBackupScheduled, Level: LevelSystem, Risk: RiskMedium,
			Required:      []string{"system", "backup:create"},
			MaxConcurrent: 1,
			AuditDetail:   "standard",
		},
		{
			Type: task.TypeBackupRetention, Level: LevelSystem, Risk: RiskLow,
			Required:      []string{"system", "backup:retention"},
			MaxConcurrent: 1,
			AuditDetail:   "standard",
		},
		{
			Type: task.TypeDatasheetDownload, Level: LevelUser, Risk: RiskLow,
			Required:      []string{"parts:read", "datasheet:download", "tasks:user"},
			MaxConcurrent: 5, RatePerHour: 60, RatePerDay: 300,
			Limits:      ResourceLimits{MaxParts: 1},
			AuditDetail: "minimal",
		},
		{
			Type: task.TypePrinterDiscovery, Level: LevelPowerUser, Risk: RiskLow,
			Required:      []string{"printer:discover", "tasks:power_user"},
			MaxConcurrent: 1, RatePerHour: 10, RatePerDay: 40,
			AuditDetail: "minimal",
		},
		{
			Type: task.TypeEmailNotification, Level: LevelPowerUser, Risk: RiskLow,
			Required:      []string{"notifications:send", "tasks:power_user"},
			MaxConcurrent: 2, RatePerHour: 20, RatePerDay: 100,
			AuditDetail: "standard",
		},
		{
			Type: task.TypeReportGeneration, Level: LevelPowerUser, Risk: RiskMedium,
			Required:      []string{"reports:generate", "tasks:power_user"},
			MaxConcurrent: 2, RatePerHour: 10, RatePerDay: 50,
			AuditDetail: "standard",
		},
	}

	table := make(map[task.Type]Rule, len(rules))
	for _, r := range rules {
		table[r.Type] = r
	}
	return table
}
