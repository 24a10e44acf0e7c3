package warehouse

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"polysignal/internal/config"
	"polysignal/pkg/types"
)

func disabled(t *testing.T) *Warehouse {
	t.Helper()
	w, err := Open(config.WarehouseConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("empty DSN should not error: %v", err)
	}
	return w
}

func TestDisabledWarehouseReadsAreEmpty(t *testing.T) {
	t.Parallel()
	w := disabled(t)
	ctx := context.Background()

	if w.Enabled() {
		t.Fatal("no DSN should mean disabled")
	}

	if ms, err := w.ListResolvedMarkets(ctx, time.Now().Add(-time.Hour)); err != nil || ms != nil {
		t.Errorf("markets: %v %v", ms, err)
	}
	if es, err := w.ListEventsSince(ctx, time.Now()); err != nil || es != nil {
		t.Errorf("events: %v %v", es, err)
	}
	if es, total, err := w.ListEventsPage(ctx, 10, 0); err != nil || es != nil || total != 0 {
		t.Errorf("page: %v %d %v", es, total, err)
	}
	if j, err := w.LatestBackfillJob(ctx); err != nil || j != nil {
		t.Errorf("backfill job: %v %v", j, err)
	}
	if j, err := w.GetOptimizationJob(ctx, 0); err != nil || j != nil {
		t.Errorf("optimization job: %v %v", j, err)
	}
	if as, err := w.ListAlerts(ctx, "", false, 10); err != nil || as != nil {
		t.Errorf("alerts: %v %v", as, err)
	}
	if ss, err := w.ListActiveStrategies(ctx); err != nil || ss != nil {
		t.Errorf("strategies: %v %v", ss, err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestDisabledWarehouseWritesSurfaceNotConfigured(t *testing.T) {
	t.Parallel()
	w := disabled(t)
	ctx := context.Background()

	if err := w.UpsertResolvedMarket(ctx, types.ResolvedMarket{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("upsert market err = %v", err)
	}
	if _, err := w.InsertContrarianEvents(ctx, []types.ContrarianEvent{{}}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("insert events err = %v", err)
	}
	if _, err := w.CreateBackfillJob(ctx, "full", nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("create job err = %v", err)
	}
	if err := w.InsertAlert(ctx, &types.DriftAlert{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("insert alert err = %v", err)
	}
}

func TestBackfillJobIsRunning(t *testing.T) {
	t.Parallel()
	for status, want := range map[types.JobStatus]bool{
		types.JobPending:   true,
		types.JobRunning:   true,
		types.JobCompleted: false,
		types.JobFailed:    false,
	} {
		j := types.BackfillJob{Status: status}
		if j.IsRunning() != want {
			t.Errorf("IsRunning(%s) = %v, want %v", status, j.IsRunning(), want)
		}
	}
}
