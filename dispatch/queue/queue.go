// Package queue hands waiting tasks to polling analysts.
package queue

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/dispatch/priority"
	"github.com/mediaplane/overseer/dispatch/registry"
	"github.com/mediaplane/overseer/metrics"
)

var log = logging.Logger("dispatch/queue")

type Manager struct {
	store    jobstore.Store
	registry *registry.Registry
	priority *priority.Calculator
	clock    clock.Clock

	candidatesPerTenant int
}

func New(store jobstore.Store, reg *registry.Registry, calc *priority.Calculator, clk clock.Clock, candidatesPerTenant int) *Manager {
	if candidatesPerTenant <= 0 {
		candidatesPerTenant = 16
	}
	return &Manager{
		store:               store,
		registry:            reg,
		priority:            calc,
		clock:               clk,
		candidatesPerTenant: candidatesPerTenant,
	}
}

type candidate struct {
	jobstore.Candidate
	tenantRank int
}

// GetNext claims the next task for the analyst at endpoint. Analysts that are
// unknown, ineligible or still running a task get Empty. Store failures are
// returned as errors.
func (m *Manager) GetNext(ctx context.Context, endpoint string) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "queue.GetNext")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("analyst", endpoint))

	stop := metrics.Timer(ctx, metrics.DispatchGetNextTime)
	defer stop()
	metrics.Count(ctx, metrics.DispatchPolls)

	res, err := m.getNext(ctx, endpoint)
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnavailable, Message: err.Error()})
		return nil, err
	}
	if e, ok := res.(Empty); ok {
		metrics.Count(ctx, metrics.DispatchEmptyPolls)
		span.AddAttributes(trace.StringAttribute("empty", e.Reason))
	}
	return res, nil
}

func (m *Manager) getNext(ctx context.Context, endpoint string) (Result, error) {
	analyst, err := m.registry.GetByEndpoint(ctx, endpoint)
	if xerrors.Is(err, api.ErrNotFound) {
		log.Debugw("poll from unknown analyst", "analyst", endpoint)
		return Empty{Reason: ReasonUnknownAnalyst}, nil
	}
	if err != nil {
		return nil, err
	}
	if ok, reason := m.registry.Eligible(analyst); !ok {
		log.Debugw("analyst not eligible for work", "analyst", endpoint, "reason", reason)
		return Empty{Reason: "analyst " + reason}, nil
	}
	busy, err := m.holdsTask(ctx, analyst)
	if err != nil {
		return nil, err
	}
	if busy {
		log.Debugw("analyst still holds a task", "analyst", endpoint, "task", *analyst.TaskID)
		return Empty{Reason: ReasonAnalystBusy}, nil
	}

	ranking, err := m.priority.GetDispatchPriority(ctx)
	if err != nil {
		return nil, err
	}

	// A rival poller can fill a job between listing and claiming. Full jobs
	// are skipped for the rest of the poll, and a poll that lost every claim
	// lists once more so jobs beyond the candidate window get their turn.
	full := map[uuid.UUID]bool{}
	for attempt := 0; attempt < 2; attempt++ {
		cands, err := m.candidates(ctx, ranking)
		if err != nil {
			return nil, err
		}
		stats.Record(ctx, metrics.DispatchCandidates.M(int64(len(cands))))

		lost := false
		for _, c := range cands {
			if full[c.JobID] {
				continue
			}
			ok, err := m.store.ClaimTask(ctx, c.ID, api.TaskWaiting, api.TaskRunning, endpoint, m.clock.Now())
			if err != nil {
				return nil, err
			}
			if !ok {
				lost = true
				metrics.Count(ctx, metrics.DispatchContention)
				open, err := m.jobOpen(ctx, c.JobID)
				if err != nil {
					return nil, err
				}
				if !open {
					full[c.JobID] = true
				}
				log.Debugw("did not claim task", "task", c.ID, "job", c.JobID, "analyst", endpoint, "jobFull", !open)
				continue
			}

			task, err := m.dispatchTask(ctx, c.Task)
			if err != nil {
				return nil, err
			}
			metrics.Count(ctx, metrics.DispatchClaims, tag.Upsert(metrics.Tenant, c.TenantID.String()))
			log.Infow("claimed task", "task", c.ID, "job", c.JobID, "tenant", c.TenantID, "analyst", endpoint,
				"priority", c.JobPriority, "runCount", c.RunCount)
			return Assigned{Task: task}, nil
		}
		if !lost {
			break
		}
	}

	return Empty{Reason: ReasonNoWork}, nil
}

// holdsTask reports whether the analyst is still running the task it was
// last handed. A reference to a task that has since moved on is stale.
func (m *Manager) holdsTask(ctx context.Context, a api.Analyst) (bool, error) {
	if a.TaskID == nil {
		return false, nil
	}
	t, err := m.store.GetTask(ctx, *a.TaskID)
	if xerrors.Is(err, api.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.State == api.TaskRunning && t.Host == a.Endpoint, nil
}

// jobOpen reports whether the job can still take another running task.
func (m *Manager) jobOpen(ctx context.Context, id uuid.UUID) (bool, error) {
	j, err := m.store.GetJob(ctx, id)
	if xerrors.Is(err, api.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return j.State == api.JobInProgress && j.Counts.Running < j.MaxRunningTasks, nil
}

// candidates lists the waiting tasks of every ranked tenant. Job priority
// class comes first so interactive work beats any tenant ranking; within a
// class the tenant rank decides, then job age, then task age.
func (m *Manager) candidates(ctx context.Context, ranking []api.DispatchPriority) ([]candidate, error) {
	var out []candidate
	for rank, p := range ranking {
		cs, err := m.store.ListDispatchable(ctx, p.TenantID, m.candidatesPerTenant)
		if err != nil {
			return nil, err
		}
		out = append(out, lo.Map(cs, func(c jobstore.Candidate, _ int) candidate {
			return candidate{Candidate: c, tenantRank: rank}
		})...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.JobPriority != b.JobPriority:
			return a.JobPriority < b.JobPriority
		case a.tenantRank != b.tenantRank:
			return a.tenantRank < b.tenantRank
		case !a.JobTimeCreated.Equal(b.JobTimeCreated):
			return a.JobTimeCreated.Before(b.JobTimeCreated)
		case !a.TimeCreated.Equal(b.TimeCreated):
			return a.TimeCreated.Before(b.TimeCreated)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	return out, nil
}

// dispatchTask builds the payload for a claimed task. Task env overrides job env.
func (m *Manager) dispatchTask(ctx context.Context, t api.Task) (api.DispatchTask, error) {
	job, err := m.store.GetJob(ctx, t.JobID)
	if err != nil {
		return api.DispatchTask{}, xerrors.Errorf("loading job of claimed task %s: %w", t.ID, err)
	}
	return api.DispatchTask{
		TaskID:   t.ID,
		JobID:    t.JobID,
		Name:     t.Name,
		RunCount: t.RunCount,
		Script:   t.Script,
		Env:      lo.Assign(job.Env, t.Env),
	}, nil
}
