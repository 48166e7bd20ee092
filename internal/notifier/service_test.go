package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/eventbus"
	"autodown/internal/trigger"
	logx "autodown/pkg/logx"
)

type recordSender struct {
	mu    sync.Mutex
	texts []string
	to    []Target
	fail  int // fail the first n sends
}

func (r *recordSender) Send(ctx context.Context, to Target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	r.to = append(r.to, to)
	return nil
}

func (r *recordSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestFormat(t *testing.T) {
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	failed := autodown.TickEvent{Result: autodown.Result{Executed: 1, Failed: 2}, Error: "find due: schedule store unavailable: disk I/O error"}
	partial := autodown.TickEvent{Result: autodown.Result{Executed: 3, Failed: 1, Due: 4, Active: 9}}
	clean := autodown.TickEvent{Result: autodown.Result{Executed: 3, Due: 3}}
	job := trigger.JobEvent{Name: "autodown.retention", Error: "context deadline exceeded", Took: 1500 * time.Millisecond}

	cases := []struct {
		name   string
		ev     eventbus.Event
		cfg    Config
		ok     bool
		substr string
	}{
		{"tick failed", eventbus.Event{Type: autodown.EventTickFailed, Time: at, Data: failed}, Config{}, true, "disk I/O error"},
		{"partial without item alerts", eventbus.Event{Type: autodown.EventTickCompleted, Data: partial}, Config{}, false, ""},
		{"partial with item alerts", eventbus.Event{Type: autodown.EventTickCompleted, Data: partial}, Config{NotifyItemErrors: true}, true, "1 of 4 due item(s) failed"},
		{"clean tick", eventbus.Event{Type: autodown.EventTickCompleted, Data: clean}, Config{NotifyItemErrors: true}, false, ""},
		{"job failed", eventbus.Event{Type: trigger.EventJobFailed, Data: job}, Config{}, true, "job autodown.retention failed after 1.5s"},
		{"quiet job", eventbus.Event{Type: trigger.EventJobFailed, Data: job}, Config{QuietJobs: []string{"autodown.retention"}}, false, ""},
		{"wrong payload", eventbus.Event{Type: autodown.EventTickFailed, Data: "oops"}, Config{}, false, ""},
		{"unrelated", eventbus.Event{Type: "something.else"}, Config{}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, ok := Format(tc.ev, tc.cfg)
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v (text=%q)", ok, tc.ok, text)
			}
			if tc.substr != "" && !strings.Contains(text, tc.substr) {
				t.Fatalf("text %q missing %q", text, tc.substr)
			}
		})
	}

	text, _ := Format(eventbus.Event{Type: autodown.EventTickFailed, Time: at, Data: failed}, Config{})
	if !strings.HasSuffix(text, "at 2026-06-01T08:00:00Z") {
		t.Fatalf("missing timestamp: %q", text)
	}
}

func TestClip(t *testing.T) {
	long := strings.Repeat("é", 20)
	got := clip(long, 10)
	if len([]rune(got)) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("clip=%q", got)
	}
	if clip("short", 10) != "short" {
		t.Fatalf("short string changed")
	}
}

func TestService_AlertsFromBus(t *testing.T) {
	bus := eventbus.New()
	rs := &recordSender{}
	target := Target{ChatID: -100123, ThreadID: 7}
	s := New(Config{Enabled: true, Target: target, RatePerSec: 50}, rs, logx.Nop(), bus)
	s.Start(context.Background())
	defer stop(t, s)

	bus.Publish(eventbus.Event{Type: autodown.EventTickCompleted, Data: autodown.TickEvent{Result: autodown.Result{Failed: 1}}})
	bus.Publish(eventbus.Event{Type: autodown.EventTickFailed, Data: autodown.TickEvent{Error: "boom"}})

	waitFor(t, "tick failure alert", func() bool { return len(rs.sent()) == 1 })
	if got := rs.sent()[0]; !strings.Contains(got, "boom") {
		t.Fatalf("alert=%q", got)
	}
	rs.mu.Lock()
	gotTarget := rs.to[0]
	rs.mu.Unlock()
	if gotTarget != target {
		t.Fatalf("target=%+v", gotTarget)
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history len=%d", len(h))
	}
}

func TestService_DisabledAndStopped(t *testing.T) {
	s := New(Config{Enabled: false}, &recordSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify disabled err=%v", err)
	}

	s.Apply(Config{Enabled: true})
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before start err=%v", err)
	}
	s.Start(context.Background())
	stop(t, s)
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after stop err=%v", err)
	}
}

func TestService_RetryThenDeliver(t *testing.T) {
	rs := &recordSender{fail: 2}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond}, rs, logx.Nop(), nil)
	s.Start(context.Background())
	defer stop(t, s)

	if err := s.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery after retries", func() bool { return len(rs.sent()) == 1 })
	if st := s.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestService_GivesUpAfterRetries(t *testing.T) {
	rs := &recordSender{fail: 10}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 1, RetryBase: time.Millisecond}, rs, logx.Nop(), nil)
	s.Start(context.Background())
	defer stop(t, s)

	_ = s.Notify(context.Background(), "hello")
	waitFor(t, "failure count", func() bool { return s.Stats().Failed == 1 })
	if len(rs.sent()) != 0 {
		t.Fatalf("unexpected delivery")
	}
}

func TestService_Dedup(t *testing.T) {
	rs := &recordSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, rs, logx.Nop(), nil)
	s.Start(context.Background())
	defer stop(t, s)

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), "same"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	_ = s.Notify(context.Background(), "different")
	waitFor(t, "two deliveries", func() bool { return len(rs.sent()) == 2 })
	if st := s.Stats(); st.Deduped != 2 {
		t.Fatalf("deduped=%d want 2", st.Deduped)
	}
}

func TestService_RateLimited(t *testing.T) {
	rs := &recordSender{}
	s := New(Config{Enabled: true, RatePerSec: 1}, rs, logx.Nop(), nil)
	s.Start(context.Background())

	for _, txt := range []string{"a", "b", "c"} {
		if err := s.Notify(context.Background(), txt); err != nil {
			t.Fatalf("Notify(%s): %v", txt, err)
		}
	}
	waitFor(t, "first delivery", func() bool { return len(rs.sent()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	if n := len(rs.sent()); n != 1 {
		t.Fatalf("sent=%d within the first second, want 1", n)
	}

	// short deadline: remaining alerts are abandoned instead of blocking Stop
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
}

func TestService_QueueFull(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := SenderFunc(func(ctx context.Context, to Target, text string) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	s := New(Config{Enabled: true, RatePerSec: 100, QueueSize: 1}, blocking, logx.Nop(), nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), "first"); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-entered
	if err := s.Notify(context.Background(), "second"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := s.Notify(context.Background(), "third"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third err=%v want ErrQueueFull", err)
	}
	if s.Stats().Dropped != 1 {
		t.Fatalf("dropped=%d", s.Stats().Dropped)
	}
	close(release)
	stop(t, s)
}

func TestNewTelegramSender(t *testing.T) {
	if _, err := NewTelegramSender("  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
	ts, err := NewTelegramSender("123456:TEST-token")
	if err != nil {
		t.Fatalf("NewTelegramSender: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ts.Send(ctx, Target{ChatID: 1}, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send on canceled ctx err=%v", err)
	}
}
