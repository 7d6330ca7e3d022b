package resumption

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule purges expired suspensions every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Purger is the part of Manager the sweeper needs.
type Purger interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper runs Purger.Sweep on a cron schedule. Runs never overlap.
type Sweeper struct {
	purger  Purger
	spec    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts standard five-field specs and descriptors such as @every 1m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper validates spec and returns a stopped Sweeper.
func NewSweeper(p Purger, spec string, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{purger: p, spec: spec, timeout: time.Minute, logger: logger}, nil
}

// Start schedules the sweep. It is an error to start a running sweeper.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("suspension sweeper started", slog.String("schedule", s.spec))
	return nil
}

// Stop unschedules the sweep and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info("suspension sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.purger.Sweep(ctx)
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.purger.Sweep(ctx); err != nil {
		s.logger.Error("suspension sweep failed", slog.String("error", err.Error()))
	}
}
