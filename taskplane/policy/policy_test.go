package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/task"
)

type mockCounter struct {
	hourly int
	daily  int
	active int
}

func (m *mockCounter) CountSince(ctx context.Context, userID string, typ task.Type, since time.Time) (int, error) {
	if time.Since(since) < 2*time.Hour {
		return m.hourly, nil
	}
	return m.daily, nil
}

func (m *mockCounter) CountActive(ctx context.Context, userID string, typ task.Type, maxAge time.Duration) (int, error) {
	return m.active, nil
}

func newTestEngine(counter *mockCounter, approvals ApprovalStore) *Engine {
	if approvals == nil {
		approvals = NewMemoryApprovalStore()
	}
	return NewEngine(counter, approvals, events.NewBus(), 300*time.Second)
}

func userActor() Actor {
	return Actor{UserID: "user-1", Capabilities: []string{"tasks:user", "parts:write"}}
}

func adminActor() Actor {
	return Actor{UserID: "admin-1", Capabilities: []string{
		CapabilityAdmin, "tasks:admin", "tasks:user", "parts:write",
		"backup:restore", "backup:create",
	}}
}

func denial(t *testing.T, err error, check string) *task.PolicyDeniedError {
	t.Helper()
	var pd *task.PolicyDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("Expected PolicyDeniedError, got %v", err)
	}
	if pd.Check != check {
		t.Fatalf("Expected check %q, got %q (%s)", check, pd.Check, pd.Reason)
	}
	return pd
}

func TestEvaluateCapabilityDenied(t *testing.T) {
	e := newTestEngine(&mockCounter{}, nil)

	// database_cleanup requires admin
	err := e.Evaluate(context.Background(), userActor(), task.TypeDatabaseCleanup, nil)
	denial(t, err, "capability")
}

func TestEvaluateUnknownType(t *testing.T) {
	e := newTestEngine(&mockCounter{}, nil)
	err := e.Evaluate(context.Background(), userActor(), task.Type("bogus"), nil)
	denial(t, err, "capability")
}

func TestEvaluateAllow(t *testing.T) {
	e := newTestEngine(&mockCounter{}, nil)
	input := task.JSONMap{"part_id": "p1"}
	if err := e.Evaluate(context.Background(), userActor(), task.TypePartEnrichment, input); err != nil {
		t.Fatalf("Expected allow, got %v", err)
	}
}

func TestEvaluateHourlyRateLimit(t *testing.T) {
	// part_enrichment allows 30/hour
	e := newTestEngine(&mockCounter{hourly: 30, daily: 30}, nil)
	err := e.Evaluate(context.Background(), userActor(), task.TypePartEnrichment, task.JSONMap{"part_id": "p1"})
	pd := denial(t, err, "rate_limit")
	if pd.Reason == "" {
		t.Errorf("Expected a human-readable reason")
	}
}

func TestEvaluateDailyRateLimit(t *testing.T) {
	// Under the hourly cap but at the daily cap of 150
	e := newTestEngine(&mockCounter{hourly: 5, daily: 150}, nil)
	err := e.Evaluate(context.Background(), userActor(), task.TypePartEnrichment, task.JSONMap{"part_id": "p1"})
	denial(t, err, "rate_limit")
}

func TestEvaluateAdminExemptFromRateLimits(t *testing.T) {
	e := newTestEngine(&mockCounter{hourly: 1000, daily: 1000}, nil)
	if err := e.Evaluate(context.Background(), adminActor(), task.TypePartEnrichment, task.JSONMap{"part_id": "p1"}); err != nil {
		t.Fatalf("Expected admin to bypass rate limits, got %v", err)
	}
}

func TestEvaluateConcurrencyLimit(t *testing.T) {
	// part_enrichment allows 3 concurrent
	e := newTestEngine(&mockCounter{active: 3}, nil)
	err := e.Evaluate(context.Background(), userActor(), task.TypePartEnrichment, task.JSONMap{"part_id": "p1"})
	denial(t, err, "concurrency")
}

func TestEvaluateResourceLimits(t *testing.T) {
	e := newTestEngine(&mockCounter{}, nil)
	actor := Actor{UserID: "power-1", Capabilities: []string{"tasks:power_user", "tasks:user", "parts:write"}}

	// bulk_enrichment caps at 50 parts
	ids := make([]interface{}, 51)
	for i := range ids {
		ids[i] = "p"
	}
	err := e.Evaluate(context.Background(), actor, task.TypeBulkEnrichment, task.JSONMap{"part_ids": ids})
	denial(t, err, "resource_limit")

	// batch_size caps at 10
	err = e.Evaluate(context.Background(), actor, task.TypeBulkEnrichment, task.JSONMap{
		"part_ids":   ids[:10],
		"batch_size": float64(11),
	})
	denial(t, err, "resource_limit")

	// Within limits passes
	if err := e.Evaluate(context.Background(), actor, task.TypeBulkEnrichment, task.JSONMap{
		"part_ids":   ids[:10],
		"batch_size": float64(5),
	}); err != nil {
		t.Fatalf("Expected allow within limits, got %v", err)
	}
}

func TestEvaluateApprovalRequired(t *testing.T) {
	approvals := NewMemoryApprovalStore()
	e := newTestEngine(&mockCounter{}, approvals)
	admin := adminActor()

	err := e.Evaluate(context.Background(), admin, task.TypeBackupRestore, task.JSONMap{"path": "/b/x.backup"})
	denial(t, err, "approval")

	if err := approvals.Grant(context.Background(), admin.UserID, task.TypeBackupRestore); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if err := e.Evaluate(context.Background(), admin, task.TypeBackupRestore, task.JSONMap{"path": "/b/x.backup"}); err != nil {
		t.Fatalf("Expected allow after approval, got %v", err)
	}

	approvals.Revoke(context.Background(), admin.UserID, task.TypeBackupRestore)
	err = e.Evaluate(context.Background(), admin, task.TypeBackupRestore, task.JSONMap{"path": "/b/x.backup"})
	denial(t, err, "approval")
}

func TestTableCoversAllTypes(t *testing.T) {
	table := Table()
	for _, typ := range task.AllTypes {
		if _, ok := table[typ]; !ok {
			t.Errorf("Policy table missing row for %s", typ)
		}
	}
}

func TestCheckOrderCapabilityBeforeRateLimit(t *testing.T) {
	// Both checks would fail; capability must be reported first
	e := newTestEngine(&mockCounter{hourly: 1000, daily: 1000}, nil)
	actor := Actor{UserID: "user-1", Capabilities: nil}
	err := e.Evaluate(context.Background(), actor, task.TypePartEnrichment, task.JSONMap{"part_id": "p1"})
	denial(t, err, "capability")
}
