// Package stats keeps expvar counters of a component and reports them
// periodically.
package stats

import (
	"context"
	"expvar"
	"log/slog"
	"time"
)

type Stats struct {
	*expvar.Map
	id         string
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// Run calls the report function of Stats using the specified interval.
// It reports one last time and shuts down when the provided context is
// cancelled.
func (s *Stats) Run(ctx context.Context, logger *slog.Logger) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.reportfunc(s.Map)
			logger.Debug("stats reporter exiting", "stats", s.id)
			return
		case <-tick.C:
			s.reportfunc(s.Map)
		}
	}
}

// New returns Stats reporting every interval. The map is not published to
// the global expvar registry, so multiple instances may share an id.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	return &Stats{new(expvar.Map).Init(), id, interval, report}
}

// Max sets key to v if v is larger than its current value.
func (s *Stats) Max(key string, v int64) {
	cur, ok := s.Get(key).(*expvar.Int)
	if ok && cur.Value() >= v {
		return
	}
	max := new(expvar.Int)
	max.Set(v)
	s.Set(key, max)
}
