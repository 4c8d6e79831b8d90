package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/CCC-MF/pluginworkshop20230216/internal/config"
	"github.com/CCC-MF/pluginworkshop20230216/internal/host"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/memory"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/sqlstore"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/plugins/exampleanalyzer"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := openStore(ctx, config.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	_ = store.Close()

	store, err = openStore(ctx, config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "a.db")})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	id, err := store.SaveProcedure(ctx, &onkostar.Procedure{PatientID: 1, FormName: "Test", Type: onkostar.ProcedureTypeObservation}, true)
	if err != nil || id == 0 {
		t.Fatalf("save: %d %v", id, err)
	}
	if _, ok := newJobStore(store).(*sqlstore.JobStore); !ok {
		t.Fatalf("sqlite store should keep jobs in SQL")
	}
	_ = store.Close()

	if _, ok := newJobStore(memory.New()).(*host.MemoryJobStore); !ok {
		t.Fatalf("memory store should keep jobs in memory")
	}
	if _, err := openStore(ctx, config.StorageConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenQueue(t *testing.T) {
	q, err := openQueue(context.Background(), config.QueueConfig{Driver: "memory", Size: 4})
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	if _, ok := q.(*host.MemoryQueue); !ok {
		t.Fatalf("unexpected queue %T", q)
	}
	_ = q.Close()

	if _, err := openQueue(context.Background(), config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestNewManagerRegistersBuiltin(t *testing.T) {
	store := memory.New()

	manager, err := newManager(config.PluginsConfig{Locale: "en"}, store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	r, ok := manager.Lookup(exampleanalyzer.ID)
	if !ok || r.Analyzer.Name() != "Example Procedure Analyzer" {
		t.Fatalf("builtin analyzer missing: %+v", r)
	}

	manager, err = newManager(config.PluginsConfig{DisableBuiltin: true}, store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if len(manager.Analyzers()) != 0 {
		t.Fatalf("builtin registered although disabled")
	}

	if _, err := newManager(config.PluginsConfig{Locale: "!!"}, store); err == nil {
		t.Fatalf("expected locale error")
	}
}

func TestBuiltinHelloByScriptKey(t *testing.T) {
	manager, err := newManager(config.PluginsConfig{Locale: "de"}, memory.New())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	methods := host.NewMethods(manager)
	got, err := methods.Execute(context.Background(), "ExampleProcedureAnalyzer", "hello", map[string]any{"name": "Onkostar"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "Hallo, Onkostar!" {
		t.Fatalf("unexpected greeting %q", got)
	}
}

func TestNewManagerReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	body := "defaults:\n  deniedCapabilities: [\"procedure:write\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// The default deny list wins over the builtin allow list.
	if _, err := newManager(config.PluginsConfig{ConfigPath: path, Locale: "de"}, memory.New()); err == nil {
		t.Fatalf("expected builtin to be rejected by default policy")
	}
	if _, err := newManager(config.PluginsConfig{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}, memory.New()); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestNewAlerts(t *testing.T) {
	if newAlerts(config.AlertsConfig{}) == nil {
		t.Fatalf("expected dispatcher")
	}
	if newAlerts(config.AlertsConfig{WebhookURL: "http://localhost/hook"}) == nil {
		t.Fatalf("expected dispatcher")
	}
}
