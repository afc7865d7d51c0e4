// Package node wires the control plane together from its config.
package node

import (
	"context"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/build"
	"github.com/mediaplane/overseer/dispatch/jobs"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/dispatch/lifecycle"
	"github.com/mediaplane/overseer/dispatch/maint"
	"github.com/mediaplane/overseer/dispatch/priority"
	"github.com/mediaplane/overseer/dispatch/queue"
	"github.com/mediaplane/overseer/dispatch/registry"
	"github.com/mediaplane/overseer/lib/sqldb"
	"github.com/mediaplane/overseer/metrics"
	"github.com/mediaplane/overseer/node/config"
	"github.com/mediaplane/overseer/server"
)

var log = logging.Logger("node")

// Node holds every component of a running control plane.
type Node struct {
	Store     *jobstore.SQLStore
	Registry  *registry.Registry
	Priority  *priority.Calculator
	Queue     *queue.Manager
	Lifecycle *lifecycle.Coordinator
	Jobs      *jobs.Launcher
	Sweeper   *maint.Sweeper
	Server    *server.Server

	handler http.Handler
	closers []func() error
}

type settings struct {
	clock clock.Clock
}

type Option func(*settings)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// New builds the node described by cfg. The caller runs the sweeper and
// serves Handler, and must Close the node.
func New(ctx context.Context, cfg *config.Overseer, opts ...Option) (_ *Node, err error) {
	s := settings{clock: clock.New()}
	for _, o := range opts {
		o(&s)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
		}
	}()

	n.Store, err = jobstore.Open(ctx, sqldb.Config{
		Driver: sqldb.Dialect(cfg.Store.Driver),
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return nil, xerrors.Errorf("opening store: %w", err)
	}
	n.closers = append(n.closers, n.Store.Close)

	n.Registry = registry.New(n.Store, s.clock, time.Duration(cfg.Analysts.UnresponsiveThreshold))
	n.Priority = priority.New(n.Store)
	n.Queue = queue.New(n.Store, n.Registry, n.Priority, s.clock, cfg.Dispatch.CandidatesPerTenant)
	n.Lifecycle = lifecycle.New(n.Store, s.clock, cfg.Dispatch.MaxRetries)
	n.Jobs = jobs.New(n.Store, s.clock)
	n.Sweeper = maint.New(n.Store, n.Lifecycle, s.clock, maint.Config{
		Interval:         time.Duration(cfg.Maintenance.SweepInterval),
		DownThreshold:    time.Duration(cfg.Analysts.DownThreshold),
		RemovalThreshold: time.Duration(cfg.Analysts.RemovalThreshold),
		OrphanThreshold:  time.Duration(cfg.Maintenance.OrphanThreshold),
		JobRetention:     time.Duration(cfg.Maintenance.JobRetention),
	})
	n.Server = server.New(n.Registry, n.Queue, n.Lifecycle, n.Jobs)

	opt := server.Options{
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Live:              n.Store.Ping,
	}
	if cfg.Metrics.Enabled {
		exporter, err := metrics.Exporter(ctx, build.UserVersion(), build.CurrentCommit)
		if err != nil {
			return nil, xerrors.Errorf("setting up metrics: %w", err)
		}
		n.closers = append(n.closers, func() error {
			metrics.UnregisterViews()
			return nil
		})
		opt.Metrics = exporter
	}
	n.handler = n.Server.Handler(opt)

	log.Infow("node ready", "store", cfg.Store.Driver, "maxRetries", cfg.Dispatch.MaxRetries,
		"unresponsive", time.Duration(cfg.Analysts.UnresponsiveThreshold))
	return n, nil
}

func (n *Node) Handler() http.Handler {
	return n.handler
}

// Close releases everything New acquired, in reverse order.
func (n *Node) Close() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i]())
	}
	n.closers = nil
	return err
}
