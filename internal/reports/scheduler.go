package reports

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler writes export files into a directory on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	store  Store
	dir    string
	loc    *time.Location
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	// OnRun, if set, is told the outcome of every run.
	OnRun func(path string, err error)
}

// NewScheduler returns a Scheduler evaluating spec in loc. spec uses the
// standard five-field cron syntax or descriptors such as "@daily".
func NewScheduler(store Store, dir, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		store:  store,
		dir:    dir,
		loc:    loc,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("export schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("export scheduler started", "dir", s.dir, "next", s.Next())
}

// Stop waits for a running export to finish and stops the schedule.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	slog.Debug("export scheduler stopped")
}

// Next returns the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(s.now().In(s.loc))
}

func (s *Scheduler) run() {
	path, err := s.WriteExport(s.ctx)
	if err != nil {
		slog.Error("scheduled export failed", "error", err)
	} else {
		slog.Info("scheduled export written", "path", path)
	}
	if s.OnRun != nil {
		s.OnRun(path, err)
	}
}

// WriteExport writes one export file now and returns its path. A second
// export on the same day replaces the first.
func (s *Scheduler) WriteExport(ctx context.Context) (string, error) {
	data, err := Export(ctx, s.store)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(s.dir, Filename(s.now()))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}
