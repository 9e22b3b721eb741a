// Package maintenance runs LyNexus's background housekeeping on cron
// schedules: pruning idle conversations and health-checking MCP
// servers.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/events"
)

// Pruner deletes conversations idle since before.
// *session.SQLiteStore implements it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Pinger health-checks MCP servers. *mcp.Manager implements it.
type Pinger interface {
	PingAll(ctx context.Context) map[string]error
}

// Deps are the components jobs act on. A nil dependency disables its
// job.
type Deps struct {
	Store Pruner
	MCP   Pinger
	Bus   *events.Bus
}

// Job names.
const (
	JobPrune   = "prune"
	JobMCPPing = "mcp_ping"
)

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cfg    config.MaintenanceConfig
	deps   Deps
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]cron.EntryID
	// running guards against overlapping runs of one job.
	running map[string]bool
}

// parser accepts standard five-field expressions and descriptors such
// as @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler and registers the jobs cfg enables. An
// invalid schedule is an error.
func New(cfg config.MaintenanceConfig, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "maintenance"),
		cron:    cron.New(cron.WithParser(parser)),
		now:     time.Now,
		jobs:    make(map[string]cron.EntryID),
		running: make(map[string]bool),
	}

	if deps.Store != nil && cfg.RetentionDays > 0 && cfg.PruneSchedule != "" {
		if err := s.add(JobPrune, cfg.PruneSchedule, s.prune); err != nil {
			return nil, err
		}
	}
	if deps.MCP != nil && cfg.MCPPingSchedule != "" {
		if err := s.add(JobMCPPing, cfg.MCPPingSchedule, s.ping); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, expr string, fn func(context.Context) error) error {
	sched, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("maintenance job %s: invalid schedule %q: %w", name, expr, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		if err := s.Run(context.Background(), name); err != nil {
			s.logger.Warn("maintenance job failed", "job", name, "error", err)
		}
	}))
	s.jobs[name] = id
	s.logger.Debug("maintenance job scheduled", "job", name, "schedule", expr)
	return nil
}

// Jobs returns the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start runs the scheduler until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.jobs) == 0 {
		s.logger.Info("no maintenance jobs enabled")
		<-ctx.Done()
		return nil
	}
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
	return nil
}

// Run executes one job now. A job already running is skipped.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	var fn func(context.Context) error
	switch name {
	case JobPrune:
		fn = s.prune
	case JobMCPPing:
		fn = s.ping
	default:
		return fmt.Errorf("unknown maintenance job %q", name)
	}
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("maintenance job %q is not enabled", name)
	}

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Debug("maintenance job still running, skipped", "job", name)
		return nil
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	return fn(ctx)
}

func (s *Scheduler) prune(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed, err := s.deps.Store.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	s.logger.Info("conversations pruned",
		"removed", removed,
		"retention_days", s.cfg.RetentionDays,
	)
	s.deps.Bus.Emit(events.SourceMaintenance, events.KindPrune, map[string]any{
		"removed":        removed,
		"retention_days": s.cfg.RetentionDays,
	})
	return nil
}

func (s *Scheduler) ping(ctx context.Context) error {
	results := s.deps.MCP.PingAll(ctx)
	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	s.logger.Debug("MCP servers pinged", "servers", len(results), "failed", failed)
	return nil
}
