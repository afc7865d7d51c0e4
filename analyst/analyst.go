// Package analyst is a reference worker for the /cluster protocol. It pings
// the control plane, polls for tasks and runs each task's script through an
// external command. The command reads the script JSON on stdin and may write
// event envelopes, one per line, on stdout to report stats, errors or expansions.
package analyst

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/elastic/go-sysinfo"
	"github.com/elastic/go-sysinfo/types"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pbnjay/memory"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/api/client"
	"github.com/mediaplane/overseer/build"
)

var log = logging.Logger("analyst")

type Config struct {
	// Endpoint identifies this analyst to the control plane.
	Endpoint string
	// Command is the argv run once per task.
	Command []string

	PingInterval  time.Duration
	StatsInterval time.Duration

	// ReserveRAM is withheld from the free memory reported on ping.
	ReserveRAM uint64
	// Threads defaults to the number of CPUs.
	Threads int

	Clock clock.Clock
}

type Worker struct {
	client *client.Client
	cfg    Config

	current atomic.Pointer[uuid.UUID]
}

func New(c *client.Client, cfg Config) (*Worker, error) {
	if cfg.Endpoint == "" {
		return nil, xerrors.New("analyst endpoint is required")
	}
	if len(cfg.Command) == 0 {
		return nil, xerrors.New("analyst command is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Worker{client: c, cfg: cfg}, nil
}

// Run pings and works until ctx is cancelled. A task in flight when ctx ends
// is killed and reported as a failed attempt.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.client.Ping(ctx, w.Spec()); err != nil {
		return xerrors.Errorf("initial ping: %w", err)
	}
	log.Infow("analyst registered", "endpoint", w.cfg.Endpoint, "command", w.cfg.Command[0])

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return w.pingLoop(ctx) })
	eg.Go(func() error { return w.workLoop(ctx) })

	if err := eg.Wait(); err != nil && !xerrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) pingLoop(ctx context.Context) error {
	t := w.cfg.Clock.Ticker(w.cfg.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		a, err := w.client.Ping(ctx, w.Spec())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnw("ping failed", "error", err)
			continue
		}
		if a.Lock == api.Locked {
			log.Debugw("analyst is locked, no new work will arrive", "endpoint", a.Endpoint)
		}
	}
}

func (w *Worker) workLoop(ctx context.Context) error {
	for {
		task, err := w.client.PollWithBackoff(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Errorf("polling: %w", err)
		}
		if err := w.Execute(ctx, task); err != nil {
			log.Errorw("task execution", "task", task.TaskID, "error", err)
		}
	}
}

// Spec is the self description sent on every ping.
func (w *Worker) Spec() api.AnalystSpec {
	total := memory.TotalMemory()
	free := memory.FreeMemory()
	if free > w.cfg.ReserveRAM {
		free -= w.cfg.ReserveRAM
	} else {
		free = 0
	}
	return api.AnalystSpec{
		Endpoint: w.cfg.Endpoint,
		TaskID:   w.current.Load(),
		TotalRAM: total,
		FreeRAM:  free,
		Load:     loadAverage(),
		Threads:  w.cfg.Threads,
		Version:  build.AnalystAPIVersion.String(),
	}
}

func loadAverage() float64 {
	h, err := sysinfo.Host()
	if err != nil {
		return 0
	}
	la, ok := h.(types.LoadAverage)
	if !ok {
		return 0
	}
	avg, err := la.LoadAverage()
	if err != nil {
		return 0
	}
	return avg.One
}
