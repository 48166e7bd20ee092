package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autodown/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const memoryConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "trigger": {"enabled": true, "spec": "@every 1h", "timeout": "30s"},
  "retention": {"enabled": true, "spec": "@daily"}
}`

func TestNew_RejectsBadConfig(t *testing.T) {
	path := writeConfig(t, `{"storage": {"driver": "memory"}, "nope": 1}`)
	if _, err := New(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestRunOnce(t *testing.T) {
	a, err := New(writeConfig(t, memoryConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	ctx := context.Background()
	due, err := a.catalog.Create(ctx, "due now")
	if err != nil {
		t.Fatal(err)
	}
	later, err := a.catalog.Create(ctx, "due later")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.svc.Configure(ctx, due.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := a.svc.Configure(ctx, later.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	res, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Executed != 1 || res.Active != 2 {
		t.Fatalf("result=%+v", res)
	}
	p, err := a.catalog.Get(ctx, due.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Valid {
		t.Fatalf("due product not taken down")
	}
}

func TestStartStop(t *testing.T) {
	a, err := New(writeConfig(t, memoryConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := a.trig.Snapshot()
	if !snap.Running || len(snap.Jobs) != 2 {
		t.Fatalf("trigger snapshot=%+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if a.trig.Snapshot().Running {
		t.Fatalf("trigger still running")
	}
}

func TestApplyConfig_TogglesJobs(t *testing.T) {
	a, err := New(writeConfig(t, memoryConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	oldCfg := a.cfgm.Get()
	noRetention, err := config.Decode("config.json", []byte(`{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "trigger": {"enabled": true, "spec": "*/5 * * * *"}
}`))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(a.sup.Context(), oldCfg, noRetention)

	snap := a.trig.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Name != jobTick {
		t.Fatalf("jobs after reload=%+v", snap.Jobs)
	}

	off, err := config.Decode("config.json", []byte(`{"logging": {"level": "error"}, "storage": {"driver": "memory"}}`))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(a.sup.Context(), noRetention, off)
	if a.trig.Snapshot().Running {
		t.Fatalf("trigger should stop when no job is enabled")
	}
}

func TestRetention(t *testing.T) {
	a, err := New(writeConfig(t, memoryConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	ctx := context.Background()
	p, err := a.catalog.Create(ctx, "kept")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.svc.Configure(ctx, p.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := a.retention(ctx); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if _, found, err := a.svc.Get(ctx, p.ID); err != nil || !found {
		t.Fatalf("active schedule removed by retention (found=%v err=%v)", found, err)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	cfg, err := config.Decode("config.yaml", []byte(`
storage:
  driver: memory
notifier:
  enabled: true
  token: "123:abc"
  chat_id: -100200
  thread_id: 4
  dedup_window: 5m
  notify_item_errors: true
`))
	if err != nil {
		t.Fatal(err)
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !nc.Enabled || nc.Target.ChatID != -100200 || nc.Target.ThreadID != 4 || nc.DedupWindow != 5*time.Minute {
		t.Fatalf("notifier config=%+v", nc)
	}
	if len(nc.QuietJobs) != 1 || nc.QuietJobs[0] != jobTick {
		t.Fatalf("quiet jobs=%v", nc.QuietJobs)
	}
	if notifierToken(cfg) != "123:abc" {
		t.Fatalf("token not mapped")
	}
}
