// Package registry tracks the analysts polling this control plane.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/build"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/metrics"
)

var log = logging.Logger("dispatch/registry")

type Registry struct {
	store jobstore.Store
	clock clock.Clock

	// unresponsive is the ping silence after which an analyst is no longer live.
	unresponsive time.Duration
}

func New(store jobstore.Store, clk clock.Clock, unresponsive time.Duration) *Registry {
	return &Registry{store: store, clock: clk, unresponsive: unresponsive}
}

// Upsert registers or refreshes the analyst at spec.Endpoint. When the
// analyst reports a task, that task's ping time is refreshed as long as the
// analyst still holds it.
func (r *Registry) Upsert(ctx context.Context, spec api.AnalystSpec) (api.Analyst, error) {
	if spec.Endpoint == "" {
		return api.Analyst{}, xerrors.Errorf("ping without endpoint: %w", api.ErrInvalidArgument)
	}
	now := r.clock.Now()

	a, err := r.store.UpsertAnalyst(ctx, spec, now)
	if err != nil {
		return api.Analyst{}, err
	}
	metrics.Count(ctx, metrics.AnalystPings)

	if spec.TaskID != nil {
		ok, err := r.store.PingTask(ctx, *spec.TaskID, spec.Endpoint, now)
		if err != nil {
			return api.Analyst{}, err
		}
		if !ok {
			log.Debugw("ping names a task the analyst does not hold", "analyst", spec.Endpoint, "task", *spec.TaskID)
		}
	}

	if !Compatible(a) {
		log.Warnw("analyst speaks an incompatible protocol version, it will not receive work",
			"analyst", a.Endpoint, "version", a.Version, "want", build.AnalystAPIVersion)
	}
	return r.withLiveness(a), nil
}

func (r *Registry) SetLockState(ctx context.Context, id uuid.UUID, lock api.LockState) error {
	if lock != api.Locked && lock != api.Unlocked {
		return xerrors.Errorf("unknown lock state %q: %w", lock, api.ErrInvalidArgument)
	}
	if err := r.store.SetAnalystLock(ctx, id, lock); err != nil {
		return err
	}
	log.Infow("analyst lock changed", "analyst", id, "lock", lock)
	return nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (api.Analyst, error) {
	a, err := r.store.GetAnalyst(ctx, id)
	if err != nil {
		return api.Analyst{}, err
	}
	return r.withLiveness(a), nil
}

func (r *Registry) GetByEndpoint(ctx context.Context, endpoint string) (api.Analyst, error) {
	a, err := r.store.GetAnalystByEndpoint(ctx, endpoint)
	if err != nil {
		return api.Analyst{}, err
	}
	return r.withLiveness(a), nil
}

func (r *Registry) List(ctx context.Context) ([]api.Analyst, error) {
	as, err := r.store.ListAnalysts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range as {
		as[i] = r.withLiveness(as[i])
	}
	return as, nil
}

// IsLive reports whether the analyst pinged within the unresponsive threshold.
func (r *Registry) IsLive(a api.Analyst) bool {
	return r.clock.Since(a.TimePing) < r.unresponsive
}

func (r *Registry) withLiveness(a api.Analyst) api.Analyst {
	a.Live = r.IsLive(a)
	return a
}

// Eligible reports whether the analyst may be handed work, and why not.
func (r *Registry) Eligible(a api.Analyst) (bool, string) {
	switch {
	case a.Lock == api.Locked:
		return false, "locked"
	case a.State != api.AnalystUp:
		return false, "down"
	case !r.IsLive(a):
		return false, "unresponsive"
	case !Compatible(a):
		return false, "incompatible version"
	}
	return true, ""
}

// Compatible reports whether the analyst's protocol version matches ours in
// major and minor. Analysts that do not report a version are accepted.
func Compatible(a api.Analyst) bool {
	if a.Version == "" {
		return true
	}
	v, err := build.ParseVersion(a.Version)
	if err != nil {
		return false
	}
	return v.EqMajorMinor(build.AnalystAPIVersion)
}
