package sqlite

import (
	"context"
	"errors"
	"testing"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/host"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
	"github.com/CCC-MF/pluginworkshop20230216/plugins/exampleanalyzer"
)

func TestJobStoreClaimRules(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	jobs := store.Jobs()

	job := &host.Job{ID: "a", Analyzer: "example", Event: onkostar.EventEditSave, ProcedureID: 3, MaxAttempts: 2}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != host.StatusPending || job.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", job)
	}
	if err := jobs.Create(ctx, &host.Job{ID: "a"}); !errors.Is(err, host.ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := jobs.Claim(ctx, "a")
	if err != nil || claimed.Status != host.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if claimed.Event != onkostar.EventEditSave || claimed.ProcedureID != 3 {
		t.Fatalf("columns lost: %+v", claimed)
	}
	if _, err := jobs.Claim(ctx, "a"); !errors.Is(err, host.ErrJobConflict) {
		t.Fatalf("expected running conflict, got %v", err)
	}

	if err := jobs.MarkFailed(ctx, "a", xerrors.CodeStorageFailure, "db down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := jobs.Get(ctx, "a")
	if !failed.Retryable || failed.LastError != "db down" || failed.ErrorCode != string(xerrors.CodeStorageFailure) {
		t.Fatalf("unexpected failed job: %+v", failed)
	}
	if claimed, err = jobs.Claim(ctx, "a"); err != nil || claimed.Attempts != 2 || claimed.LastError != "" {
		t.Fatalf("retry claim: %+v %v", claimed, err)
	}
	_ = jobs.MarkFailed(ctx, "a", xerrors.CodeStorageFailure, "db down", false)
	if _, err := jobs.Claim(ctx, "a"); !errors.Is(err, host.ErrJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	_ = jobs.Create(ctx, &host.Job{ID: "b", Analyzer: "example"})
	_, _ = jobs.Claim(ctx, "b")
	if err := jobs.MarkSucceeded(ctx, "b"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := jobs.Claim(ctx, "b"); !errors.Is(err, host.ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	_ = jobs.Create(ctx, &host.Job{ID: "c", Analyzer: "example"})
	_, _ = jobs.Claim(ctx, "c")
	_ = jobs.MarkFailed(ctx, "c", xerrors.CodeAnalyzerPanic, "boom", true)
	if _, err := jobs.Claim(ctx, "c"); !errors.Is(err, host.ErrJobExhausted) {
		t.Fatalf("terminal failure must not be claimable, got %v", err)
	}

	if _, err := jobs.Get(ctx, "missing"); !errors.Is(err, host.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := jobs.MarkSucceeded(ctx, "missing"); !errors.Is(err, host.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := jobs.Claim(ctx, "missing"); !errors.Is(err, host.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := jobs.List(ctx, 0)
	if err != nil || len(list) != 3 {
		t.Fatalf("list: %d %v", len(list), err)
	}
	if limited, _ := jobs.List(ctx, 1); len(limited) != 1 {
		t.Fatalf("limit not applied: %+v", limited)
	}

	stats, err := jobs.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Failed != 2 || stats.Retryable != 0 || stats.Newest.IsZero() {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessorWithSQLiteJobs(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	p := onkostar.NewProcedure(5)
	p.FormName = exampleanalyzer.RelevantFormName
	p.Type = onkostar.ProcedureTypeDiagnosis
	id, err := store.SaveProcedure(ctx, p, true)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	manager, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithAPI(store))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Register("example", exampleanalyzer.New(store), plugin.IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	jobs := store.Jobs()
	for _, job := range []*host.Job{
		{ID: "ok", Analyzer: "example", Event: onkostar.EventEditSave, ProcedureID: id},
		{ID: "gone", Analyzer: "retired", Event: onkostar.EventEditSave, ProcedureID: id},
	} {
		if err := jobs.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}

	processor := host.NewProcessor(manager, store, jobs, nil, nil)
	for _, jobID := range []string{"ok", "gone"} {
		if err := processor.Handle(ctx, jobID); err != nil {
			t.Fatalf("handle %s: %v", jobID, err)
		}
	}

	if job, _ := jobs.Get(ctx, "ok"); job.Status != host.StatusSucceeded || job.Attempts != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	job, _ := jobs.Get(ctx, "gone")
	if job.Status != host.StatusFailed || job.Retryable || job.ErrorCode != string(xerrors.CodePluginRejected) {
		t.Fatalf("unknown analyzer must fail terminally: %+v", job)
	}

	list, _ := store.ListByPatient(ctx, 5, 0)
	if len(list) != 2 || list[0].FormName != "Test" {
		t.Fatalf("derived procedure not stored: %+v", list)
	}
}
