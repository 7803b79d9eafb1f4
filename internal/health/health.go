// Package health wires the button system's three dependency checks (log
// producer, update channel, state store) into infrastructure/middleware's
// three-tier health checker, and exposes the supplemented /v1/admin/stats
// resource-usage probe.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pulsebutton/backend/infrastructure/middleware"
)

// LogPing is implemented by internal/eventlog.Producer: a cheap call that
// fails if Redis is unreachable.
type LogPing interface {
	Ping(ctx context.Context) error
}

// ChannelPing is implemented by internal/updatechannel's underlying bus:
// a cheap call that fails if Postgres LISTEN/NOTIFY is unreachable.
type ChannelPing interface {
	Ping(ctx context.Context) error
}

// StatePing is implemented by internal/repository.GlobalStateStore.
type StatePing interface {
	Ping(ctx context.Context) error
}

// Register wires the three dependency checks into checker at the tiers
// §4.7 specifies: readiness needs the log producer and the update
// channel (required to accept presses and to fan out); full adds the
// state store (required to serve reads, but a press can still be
// accepted and queued without it).
func Register(checker *middleware.HealthChecker, log LogPing, channel ChannelPing, states StatePing, timeout time.Duration) {
	ping := func(fn func(ctx context.Context) error) func() error {
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return fn(ctx)
		}
	}
	checker.RegisterCheck("log_producer", middleware.TierReadiness, ping(log.Ping))
	checker.RegisterCheck("update_channel", middleware.TierReadiness, ping(channel.Ping))
	checker.RegisterCheck("state_store", middleware.TierFull, ping(states.Ping))
}

// Stats is the supplemented /v1/admin/stats payload: process resource
// usage gathered through gopsutil, useful for operators watching the
// reducer and sweeper processes, which otherwise expose no introspection
// surface of their own.
type Stats struct {
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFiles  int     `json:"open_files"`
	UptimeMs   int64   `json:"uptime_ms"`
}

// Collector gathers process stats for the current PID, caching the
// gopsutil process handle since re-resolving it by PID on every call is
// unnecessary work.
type Collector struct {
	proc      *process.Process
	startedAt time.Time
}

// NewCollector opens a gopsutil handle onto the current process.
func NewCollector() (*Collector, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{proc: p, startedAt: time.Now()}, nil
}

// Collect samples current resource usage. CPU percent and open file
// count are best-effort: platforms gopsutil can't introspect (or a
// process that just started, before gopsutil has a prior sample to
// diff against) return zero rather than an error.
func (c *Collector) Collect() Stats {
	stats := Stats{
		Goroutines: runtime.NumGoroutine(),
		UptimeMs:   time.Since(c.startedAt).Milliseconds(),
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if fds, err := c.proc.NumFDs(); err == nil {
		stats.OpenFiles = int(fds)
	}
	return stats
}
