package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeJSONAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("autodown.json", []byte(`{"trigger":{"enabled":true},"retention":{"enabled":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Trigger.Spec != DefaultTriggerSpec || cfg.Retention.Spec != DefaultRetentionSpec {
		t.Fatalf("specs not defaulted: %+v %+v", cfg.Trigger, cfg.Retention)
	}
	if cfg.Retention.ScheduleDays != 30 || cfg.Retention.AuditDays != 90 {
		t.Fatalf("retention days not defaulted: %+v", cfg.Retention)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultStoragePath {
		t.Fatalf("storage not defaulted: %+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	raw := `
logging:
  level: debug
  console: true
storage:
  driver: memory
trigger:
  enabled: true
  spec: "00:05"
  timeout: 30s
notifier:
  enabled: true
  token: "123:abc"
  chat_id: -100123
`
	cfg, err := Decode("autodown.yaml", []byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Driver != "memory" || cfg.Trigger.Spec != "00:05" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.ChatID != -100123 || cfg.Notifier.RatePerSec != DefaultNotifierRate {
		t.Fatalf("unexpected notifier: %+v", cfg.Notifier)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"trigger":{"enabled":true,"workers":3}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.yml", []byte("telegram:\n  token: x\n")); err == nil {
		t.Fatal("expected unknown field error for yaml")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:   StorageConfig{Driver: "bolt", BusyTimeout: "soon"},
		Trigger:   TriggerConfig{Spec: "every now and then", Timezone: "Mars/Olympus"},
		Retention: RetentionConfig{Enabled: true, Spec: "-1h"},
		Notifier:  &NotifierConfig{Enabled: true},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"storage.driver", "storage.busy_timeout", "trigger.spec", "trigger.timezone", "retention.spec", "notifier.token", "notifier.chat_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("empty: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms: %v %v", d, err)
	}
	_, err = ParseDurationField("trigger.timeout", "-1s")
	if !errors.Is(err, ErrNegativeDuration) {
		t.Fatalf("negative: %v", err)
	}
	_, err = ParseDurationField("trigger.timeout", "soon")
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Path != "trigger.timeout" || fe.Value != "soon" {
		t.Fatalf("garbage: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Trigger: TriggerConfig{Enabled: true, Spec: "* * * * *"}}
	newCfg := &Config{
		Trigger:  TriggerConfig{Enabled: true, Spec: "*/5 * * * *"},
		HTTP:     HTTPConfig{Enabled: true, Token: "secret"},
		Notifier: &NotifierConfig{Enabled: true, Token: "secret"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "http,notifier,trigger" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log fields")
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "http" {
		t.Fatalf("RequiresRestart = %v", got)
	}
	if c, _ := SummarizeConfigChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("identical configs reported changes: %v", c)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autodown.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write(`{"storage":{"driver":"memory"},"trigger":{"enabled":true}}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	go func() { _ = m.Watch(ctx) }()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	write(`{"storage":{"driver":"memory"},"trigger":{"enabled":false}}`)

	select {
	case got := <-sub:
		if got.Trigger.Enabled {
			t.Fatalf("expected reloaded config, got %+v", got.Trigger)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published after file change")
	}

	// An invalid file is rejected and the committed config is kept.
	write(`{"storage":{"driver":"bolt"}}`)
	time.Sleep(600 * time.Millisecond)
	if m.Get().Storage.Driver != "memory" {
		t.Fatal("invalid config must not be committed")
	}
}
