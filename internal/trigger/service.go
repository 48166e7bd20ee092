package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autodown/internal/eventbus"
	logx "autodown/pkg/logx"

	"github.com/robfig/cron/v3"
)

// EventJobFailed is published when a job returns an error, panics or times out.
const EventJobFailed = "trigger.job.failed"

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// JobEvent is the payload of EventJobFailed.
type JobEvent struct {
	Name  string        `json:"name"`
	Error string        `json:"error"`
	Took  time.Duration `json:"took"`
}

type jobDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	// running is shared with any definition that replaces this one under the
	// same name, so a re-added job cannot overlap a run still in flight.
	running  *atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	// ctxMu guards baseCtx/cancel separately from mu: restartLocked waits for
	// running jobs while holding mu.
	ctxMu   sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		parser: specParser,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config. A timezone change restarts cron with every job re-registered.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Add registers job under name, replacing any job with the same name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}
	ps, _ := ParseSchedule(schedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &jobDef{name: name, spec: ps, timeout: timeout, job: job, running: new(atomic.Bool)}
	if old := s.removeLocked(name); old != nil {
		d.running = old.running
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("job registered",
		logx.String("name", name),
		logx.String("spec", ps.CronSpec()),
		logx.Duration("timeout", timeout),
		logx.String("next", s.previewNextRunsLocked(ps.CronSpec(), 3)),
	)
	return nil
}

// Remove unregisters name. It reports whether a job was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name)) != nil
	if removed {
		s.log.Debug("job removed", logx.String("name", name))
	}
	return removed
}

// removeLocked drops name and returns the removed definition, if any.
func (s *Service) removeLocked(name string) *jobDef {
	n := 0
	var removed *jobDef
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = d
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start begins firing registered jobs. Jobs see a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctxMu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.ctxMu.Unlock()
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts firing and waits for running jobs until ctx is done, after
// which running jobs see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop deadline reached; canceling running jobs")
	}
	s.ctxMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctxMu.Unlock()
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) registerLocked(d *jobDef) error {
	id, err := s.c.AddFunc(d.spec.CronSpec(), func() { s.fire(d) })
	if err != nil {
		return fmt.Errorf("register %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// fire runs d once unless a previous run is still in flight.
func (s *Service) fire(d *jobDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Warn("job still running; skipping", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	s.ctxMu.Lock()
	parent := s.baseCtx
	s.ctxMu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	cancel := context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, d.timeout)
	}
	defer cancel()

	start := time.Now()
	err := runJob(ctx, d.job)
	took := time.Since(start)
	d.runs.Add(1)

	d.mu.Lock()
	d.lastRun = start
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	if err == nil {
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", took))
		return
	}
	d.failures.Add(1)
	s.log.Error("job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventJobFailed, Data: JobEvent{Name: d.name, Error: err.Error(), Took: took}})
	}
}

func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	err = job(ctx)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ctx.Err()
	}
	return err
}

// PanicError is returned for a job that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists the next n run times, only when debug logging is on.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
