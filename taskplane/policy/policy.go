// Package policy decides whether a user may submit a task of a given type.
// The table is fixed at startup; evaluation is read-only and safe for
// concurrent use.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/observability"
	"github.com/partshive/partshive/taskplane/task"
)

// Actor is the submitting identity with its effective capability set.
// Capability derivation from roles happens upstream (auth middleware).
type Actor struct {
	UserID       string
	Capabilities []string
}

// HasCapability reports whether the actor holds cap.
func (a Actor) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor is exempt from rate limits.
func (a Actor) IsAdmin() bool { return a.HasCapability(CapabilityAdmin) }

// UsageCounter is the slice of the store the engine needs for rate and
// concurrency checks.
type UsageCounter interface {
	CountSince(ctx context.Context, userID string, typ task.Type, since time.Time) (int, error)
	CountActive(ctx context.Context, userID string, typ task.Type, maxAge time.Duration) (int, error)
}

// ApprovalStore answers whether a high-risk request has an approved record.
type ApprovalStore interface {
	IsApproved(ctx context.Context, userID string, typ task.Type) (bool, error)
}

// Engine evaluates submissions against the static table. Checks run in a
// fixed order and the first failing check short-circuits.
type Engine struct {
	table     map[task.Type]Rule
	counter   UsageCounter
	approvals ApprovalStore
	bus       *events.Bus

	// defaultTimeout bounds the concurrency check's stuck-row guard:
	// rows older than 2x the handler timeout stop counting as active.
	defaultTimeout time.Duration
}

// NewEngine builds the engine over the fixed table.
func NewEngine(counter UsageCounter, approvals ApprovalStore, bus *events.Bus, defaultTimeout time.Duration) *Engine {
	return &Engine{
		table:          Table(),
		counter:        counter,
		approvals:      approvals,
		bus:            bus,
		defaultTimeout: defaultTimeout,
	}
}

// Rule returns the policy row for a type.
func (e *Engine) Rule(typ task.Type) (Rule, bool) {
	r, ok := e.table[typ]
	return r, ok
}

// auditRecord is the one-line JSON decision log, mirrored onto the bus.
type auditRecord struct {
	Component string `json:"component"`
	Actor     string `json:"actor"`
	Type      string `json:"type"`
	Outcome   string `json:"outcome"`
	Check     string `json:"check,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e *Engine) audit(actor Actor, typ task.Type, outcome, check, reason string) {
	rec := auditRecord{
		Component: "policy",
		Actor:     actor.UserID,
		Type:      string(typ),
		Outcome:   outcome,
		Check:     check,
		Reason:    reason,
	}
	b, _ := json.Marshal(rec)
	log.Println(string(b))
	e.bus.PublishAudit(actor.UserID, typ, outcome, reason)
}

func (e *Engine) deny(actor Actor, typ task.Type, check, reason string) error {
	observability.PolicyDenials.WithLabelValues(string(typ), check).Inc()
	e.audit(actor, typ, "deny", check, reason)
	return &task.PolicyDeniedError{Check: check, Reason: reason}
}

// Evaluate returns nil when the submission is allowed and a
// *task.PolicyDeniedError otherwise. Every outcome is audited.
func (e *Engine) Evaluate(ctx context.Context, actor Actor, typ task.Type, input task.JSONMap) error {
	rule, ok := e.table[typ]
	if !ok {
		return e.deny(actor, typ, "capability", fmt.Sprintf("unknown task type %q", typ))
	}

	// 1. Capabilities.
	for _, required := range rule.Required {
		if !actor.HasCapability(required) {
			return e.deny(actor, typ, "capability",
				fmt.Sprintf("missing required capability %q", required))
		}
	}

	// 2. Rate limits. Admins are exempt.
	if !actor.IsAdmin() {
		now := time.Now()
		if rule.RatePerHour > 0 {
			count, err := e.counter.CountSince(ctx, actor.UserID, typ, now.Add(-time.Hour))
			if err != nil {
				return fmt.Errorf("rate limit check: %w", err)
			}
			if count >= rule.RatePerHour {
				minutes := 60 - now.Minute()
				return e.deny(actor, typ, "rate_limit",
					fmt.Sprintf("Hourly rate limit exceeded (%d/%d). Try again in %d minutes.",
						count, rule.RatePerHour, minutes))
			}
		}
		if rule.RatePerDay > 0 {
			count, err := e.counter.CountSince(ctx, actor.UserID, typ, now.Add(-24*time.Hour))
			if err != nil {
				return fmt.Errorf("rate limit check: %w", err)
			}
			if count >= rule.RatePerDay {
				hours := 24 - now.Hour()
				return e.deny(actor, typ, "rate_limit",
					fmt.Sprintf("Daily rate limit exceeded (%d/%d). Try again in %d hours.",
						count, rule.RatePerDay, hours))
			}
		}
	}

	// 3. Concurrency. The age guard keeps a crashed run from blocking the
	// user forever.
	if rule.MaxConcurrent > 0 {
		active, err := e.counter.CountActive(ctx, actor.UserID, typ, 2*e.defaultTimeout)
		if err != nil {
			return fmt.Errorf("concurrency check: %w", err)
		}
		if active >= rule.MaxConcurrent {
			return e.deny(actor, typ, "concurrency",
				fmt.Sprintf("Concurrency limit reached (%d/%d active). Wait for a running task to finish.",
					active, rule.MaxConcurrent))
		}
	}

	// 4. Resource caps.
	if err := e.checkResourceLimits(actor, typ, rule.Limits, input); err != nil {
		return err
	}

	// 5. Approval.
	if rule.RequiresApproval {
		approved, err := e.approvals.IsApproved(ctx, actor.UserID, typ)
		if err != nil {
			return fmt.Errorf("approval check: %w", err)
		}
		if !approved {
			return e.deny(actor, typ, "approval", "approval pending")
		}
	}

	e.audit(actor, typ, "allow", "", "")
	return nil
}

func (e *Engine) checkResourceLimits(actor Actor, typ task.Type, limits ResourceLimits, input task.JSONMap) error {
	if limits.MaxParts > 0 {
		n := partCount(input)
		if n > limits.MaxParts {
			return e.deny(actor, typ, "resource_limit",
				fmt.Sprintf("part count %d exceeds limit %d", n, limits.MaxParts))
		}
	}
	if limits.BatchSize > 0 {
		batch := intField(input, "batch_size", 1)
		if batch > limits.BatchSize {
			return e.deny(actor, typ, "resource_limit",
				fmt.Sprintf("batch_size %d exceeds limit %d", batch, limits.BatchSize))
		}
	}
	if limits.MaxCapabilities > 0 {
		if caps, ok := input["capabilities"].([]interface{}); ok && len(caps) > limits.MaxCapabilities {
			return e.deny(actor, typ, "resource_limit",
				fmt.Sprintf("capability count %d exceeds limit %d", len(caps), limits.MaxCapabilities))
		}
	}
	return nil
}

// partCount reads the part reference(s) out of a payload: a part_ids list
// counts by length, a single part_id counts as one.
func partCount(input task.JSONMap) int {
	if input == nil {
		return 0
	}
	if ids, ok := input["part_ids"].([]interface{}); ok {
		return len(ids)
	}
	if _, ok := input["part_id"]; ok {
		return 1
	}
	return 0
}

func intField(input task.JSONMap, key string, fallback int) int {
	if input == nil {
		return fallback
	}
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
