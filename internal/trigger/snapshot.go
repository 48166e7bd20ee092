package trigger

import "time"

type JobInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout"`
	Next      time.Time     `json:"next,omitempty"`
	Prev      time.Time     `json:"prev,omitempty"`
	Running   bool          `json:"running"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	Skipped   uint64        `json:"skipped"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: loc.String()}
	for _, d := range s.defs {
		it := JobInfo{
			Name:     d.name,
			Spec:     d.spec.CronSpec(),
			Timeout:  d.timeout,
			Running:  d.running.Load(),
			Runs:     d.runs.Load(),
			Failures: d.failures.Load(),
			Skipped:  d.skipped.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.mu.Lock()
		it.LastRun = d.lastRun
		it.LastError = d.lastErr
		d.mu.Unlock()
		out.Jobs = append(out.Jobs, it)
	}
	return out
}
