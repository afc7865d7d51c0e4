// Package maint runs the periodic sweeps that keep the dispatcher honest:
// silent analysts go down and are eventually removed, tasks of vanished
// analysts are reclaimed, and timing data of old jobs is dropped.
package maint

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/dispatch/lifecycle"
	"github.com/mediaplane/overseer/metrics"
)

var log = logging.Logger("dispatch/maint")

type Config struct {
	Interval         time.Duration
	DownThreshold    time.Duration
	RemovalThreshold time.Duration
	OrphanThreshold  time.Duration
	JobRetention     time.Duration
}

type Sweeper struct {
	store     jobstore.Store
	lifecycle *lifecycle.Coordinator
	clock     clock.Clock
	cfg       Config

	// swept receives after every sweep of Run, if there is room.
	swept chan struct{}
}

func New(store jobstore.Store, lc *lifecycle.Coordinator, clk clock.Clock, cfg Config) *Sweeper {
	return &Sweeper{
		store:     store,
		lifecycle: lc,
		clock:     clk,
		cfg:       cfg,
		swept:     make(chan struct{}, 1),
	}
}

// Run sweeps every Interval until ctx is done. Failed sweeps are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return xerrors.Errorf("sweep interval must be positive, got %s", s.cfg.Interval)
	}
	log.Infow("starting maintenance sweeper", "interval", s.cfg.Interval)

	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("maintenance sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Errorw("maintenance sweep failed", "error", err)
			}
			select {
			case s.swept <- struct{}{}:
			default:
			}
		}
	}
}

// SweepOnce runs every pass once. A failing pass does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	stop := metrics.Timer(ctx, metrics.SweepDuration)
	defer stop()

	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{"analysts", s.HandleUnresponsiveAnalysts},
		{"orphans", s.HandleOrphanTasks},
		{"expired", s.HandleExpiredJobs},
	}

	var merr *multierror.Error
	for _, p := range passes {
		pctx, span := trace.StartSpan(ctx, "maint."+p.name)
		if err := p.run(pctx); err != nil {
			span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
			stats.Record(ctx, metrics.SweepErrors.M(1))
			merr = multierror.Append(merr, xerrors.Errorf("%s pass: %w", p.name, err))
		}
		span.End()
	}
	return merr.ErrorOrNil()
}

// HandleUnresponsiveAnalysts marks Up analysts that missed DownThreshold as
// Down, and removes Down analysts silent for longer than RemovalThreshold.
// Both changes are conditional on the ping age, so an analyst that pings in
// between is left alone.
func (s *Sweeper) HandleUnresponsiveAnalysts(ctx context.Context) error {
	now := s.clock.Now()
	var merr *multierror.Error

	downBefore := now.Add(-s.cfg.DownThreshold)
	silent, err := s.store.ListAnalystsPingedBefore(ctx, api.AnalystUp, downBefore)
	if err != nil {
		return err
	}
	for _, a := range silent {
		ok, err := s.store.MarkAnalystDown(ctx, a.ID, downBefore)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if ok {
			metrics.Count(ctx, metrics.AnalystMarkedDown)
			log.Warnw("analyst marked down", "analyst", a.Endpoint, "lastPing", a.TimePing, "task", a.TaskID)
		}
	}

	removeBefore := now.Add(-s.cfg.RemovalThreshold)
	gone, err := s.store.ListAnalystsPingedBefore(ctx, api.AnalystDown, removeBefore)
	if err != nil {
		return multierror.Append(merr, err)
	}
	for _, a := range gone {
		ok, err := s.store.DeleteAnalyst(ctx, a.ID, removeBefore)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if ok {
			metrics.Count(ctx, metrics.AnalystRemoved)
			log.Infow("analyst removed", "analyst", a.Endpoint, "lastPing", a.TimePing)
		}
	}
	return merr.ErrorOrNil()
}

// HandleOrphanTasks reclaims running tasks that have not pinged for
// OrphanThreshold, with the same retry rule as a failed stop.
func (s *Sweeper) HandleOrphanTasks(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.OrphanThreshold)
	orphans, err := s.store.ListOrphanTasks(ctx, cutoff)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, t := range orphans {
		if _, _, err := s.lifecycle.ReclaimOrphan(ctx, t, cutoff); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("reclaiming task %s: %w", t.ID, err))
		}
	}
	return merr.ErrorOrNil()
}

// HandleExpiredJobs drops the processor stats of jobs that ended more than
// JobRetention ago. Jobs and tasks are kept.
func (s *Sweeper) HandleExpiredJobs(ctx context.Context) error {
	_, err := s.store.DeleteExpiredJobData(ctx, s.clock.Now().Add(-s.cfg.JobRetention))
	return err
}
