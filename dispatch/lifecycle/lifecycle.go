// Package lifecycle applies analyst reports to tasks: start confirmation,
// attempt completion with the retry rule, expansion into child tasks,
// processor timings and error reports.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/metrics"
)

var log = logging.Logger("dispatch/lifecycle")

// Error phases recorded on TaskErrors.
const (
	PhaseExecute = "execute"
	PhaseOrphan  = "orphan"
)

// OrphanExitStatus is recorded on tasks whose analyst stopped pinging.
const OrphanExitStatus = -1

type Coordinator struct {
	store jobstore.Store
	clock clock.Clock

	// maxRetries is how many failed attempts a task may have before a
	// failure is terminal.
	maxRetries int
}

func New(store jobstore.Store, clk clock.Clock, maxRetries int) *Coordinator {
	return &Coordinator{store: store, clock: clk, maxRetries: maxRetries}
}

// heldTask loads a task and checks that the analyst at endpoint runs it.
func (c *Coordinator) heldTask(ctx context.Context, endpoint string, id uuid.UUID) (api.Task, error) {
	t, err := c.store.GetTask(ctx, id)
	if err != nil {
		return api.Task{}, err
	}
	if t.State != api.TaskRunning || t.Host != endpoint {
		return t, xerrors.Errorf("task %s is %s on %q, not running on %q: %w", id, t.State, t.Host, endpoint, api.ErrNotAssigned)
	}
	return t, nil
}

// StartTask confirms that the analyst began the task and refreshes its ping.
// It returns false when the task is not running on that analyst.
func (c *Coordinator) StartTask(ctx context.Context, endpoint string, taskID uuid.UUID) (bool, error) {
	if _, err := c.heldTask(ctx, endpoint, taskID); err != nil {
		if xerrors.Is(err, api.ErrNotAssigned) {
			log.Warnw("start for a task the analyst does not hold", "task", taskID, "analyst", endpoint)
			return false, nil
		}
		return false, err
	}
	ok, err := c.store.PingTask(ctx, taskID, endpoint, c.clock.Now())
	if err != nil {
		return false, err
	}
	if ok {
		log.Debugw("task started", "task", taskID, "analyst", endpoint)
	}
	return ok, nil
}

// outcome decides where a failed or finished attempt goes.
func (c *Coordinator) outcome(t api.Task, exitStatus int, manualKill bool) (api.TaskState, bool) {
	switch {
	case exitStatus == 0:
		return api.TaskSuccess, false
	case manualKill:
		return api.TaskFailure, false
	case t.RunCount < c.maxRetries:
		return api.TaskWaiting, true
	default:
		return api.TaskFailure, false
	}
}

// StopTask ends the current attempt of a task held by the analyst at
// endpoint. A clean exit is a success. A failure is retried while the task
// has attempts left, unless it was killed by an operator. Every failed
// attempt leaves one TaskError.
func (c *Coordinator) StopTask(ctx context.Context, endpoint string, ev api.StopEvent) (api.TaskState, error) {
	t, err := c.heldTask(ctx, endpoint, ev.TaskID)
	if err != nil {
		return "", err
	}

	to, retry := c.outcome(t, ev.ExitStatus, ev.ManualKill)
	now := c.clock.Now()
	tr := jobstore.Transition{
		TaskID:      t.ID,
		To:          to,
		Host:        endpoint,
		IncRunCount: retry,
		ExitStatus:  ev.ExitStatus,
		At:          now,
	}
	if to != api.TaskSuccess {
		msg := ev.Message
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", ev.ExitStatus)
		}
		if ev.ManualKill {
			msg = "killed: " + msg
		}
		tr.Error = &api.TaskError{
			ID:          uuid.New(),
			Message:     msg,
			Processor:   ev.Processor,
			Fatal:       to == api.TaskFailure,
			Endpoint:    endpoint,
			Phase:       PhaseExecute,
			TimeCreated: now,
		}
	}

	ok, err := c.store.TransitionTask(ctx, tr)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", xerrors.Errorf("task %s changed before its stop from %s was applied: %w", t.ID, endpoint, api.ErrNotAssigned)
	}

	c.recordStop(ctx, t, to)
	log.Infow("task stopped", "task", t.ID, "job", t.JobID, "analyst", endpoint, "exit", ev.ExitStatus,
		"manualKill", ev.ManualKill, "state", to, "runCount", t.RunCount)

	if to != api.TaskWaiting {
		if err := c.finalize(ctx, t.JobID, now); err != nil {
			return to, err
		}
	}
	return to, nil
}

// ReclaimOrphan applies the stop rule to a running task whose analyst went
// silent, as a non-zero exit that was not a manual kill. It returns false
// when the task moved or pinged since it was listed.
func (c *Coordinator) ReclaimOrphan(ctx context.Context, t api.Task, pingBefore time.Time) (api.TaskState, bool, error) {
	to, retry := c.outcome(t, OrphanExitStatus, false)
	now := c.clock.Now()

	ok, err := c.store.TransitionTask(ctx, jobstore.Transition{
		TaskID:      t.ID,
		To:          to,
		Host:        t.Host,
		PingBefore:  pingBefore,
		IncRunCount: retry,
		ExitStatus:  OrphanExitStatus,
		At:          now,
		Error: &api.TaskError{
			ID:          uuid.New(),
			Message:     fmt.Sprintf("analyst %s stopped reporting, last ping %s", t.Host, t.TimePing.Format(time.RFC3339)),
			Fatal:       to == api.TaskFailure,
			Endpoint:    t.Host,
			Phase:       PhaseOrphan,
			TimeCreated: now,
		},
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	metrics.Count(ctx, metrics.TaskOrphansReclaimed)
	c.recordStop(ctx, t, to)
	log.Warnw("reclaimed orphan task", "task", t.ID, "job", t.JobID, "analyst", t.Host, "state", to, "runCount", t.RunCount)

	if to != api.TaskWaiting {
		if err := c.finalize(ctx, t.JobID, now); err != nil {
			return to, true, err
		}
	}
	return to, true, nil
}

func (c *Coordinator) recordStop(ctx context.Context, t api.Task, to api.TaskState) {
	metrics.Count(ctx, metrics.TaskStopped,
		tag.Upsert(metrics.Result, string(to)),
		tag.Upsert(metrics.Tenant, t.TenantID.String()))
	if to == api.TaskWaiting {
		metrics.Count(ctx, metrics.TaskRetries)
	}
}

func (c *Coordinator) finalize(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	state, done, err := c.store.FinalizeJob(ctx, jobID, at)
	if err != nil {
		return xerrors.Errorf("finalizing job %s: %w", jobID, err)
	}
	if done {
		log.Infow("job finished", "job", jobID, "state", state)
	}
	return nil
}

// Expand adds children to the parent's job that run the parent's execute
// pipeline over the reported assets. The parent itself is not changed.
func (c *Coordinator) Expand(ctx context.Context, endpoint string, ev api.ExpandEvent) ([]api.Task, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	parent, err := c.heldTask(ctx, endpoint, ev.TaskID)
	if err != nil {
		return nil, err
	}

	batches := [][]api.Asset{ev.Assets}
	if ev.BatchSize > 0 {
		batches = lo.Chunk(ev.Assets, ev.BatchSize)
	}
	name := ev.Name
	if name == "" {
		name = parent.Name
	}
	env := lo.Assign(parent.Env, ev.Env)
	now := c.clock.Now()

	children := make([]api.Task, 0, len(batches))
	for i, assets := range batches {
		child := api.Task{
			ID:       uuid.New(),
			JobID:    parent.JobID,
			TenantID: parent.TenantID,
			ParentID: &parent.ID,
			Name:     name,
			State:    api.TaskWaiting,
			Script: api.Script{
				Name:     parent.Script.Name,
				Settings: parent.Script.Settings,
				Over:     assets,
				Execute:  parent.Script.Execute,
			},
			Env:          lo.Assign(env),
			TimeCreated:  now,
			TimeModified: now,
		}
		if len(batches) > 1 {
			child.Name = fmt.Sprintf("%s-%d", name, i)
		}
		children = append(children, child)
	}

	if err := c.store.AddTasks(ctx, parent.JobID, children); err != nil {
		return nil, err
	}
	stats.Record(ctx, metrics.TaskExpanded.M(int64(len(children))))
	log.Infow("expanded task", "task", parent.ID, "job", parent.JobID, "children", len(children), "assets", len(ev.Assets))
	return children, nil
}

// HandleStats records processor timings. Stats may arrive after the attempt
// ended, so only the task's existence is checked.
func (c *Coordinator) HandleStats(ctx context.Context, endpoint string, evs []api.StatsEvent) error {
	now := c.clock.Now()
	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			return err
		}
		t, err := c.store.GetTask(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		if err := c.store.RecordProcessorStats(ctx, t.JobID, ev.Samples, now); err != nil {
			return err
		}
		for _, s := range ev.Samples {
			_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.Processor, s.Processor)},
				metrics.ProcessorDuration.M(float64(s.TotalMs)/float64(s.Count)))
		}
		log.Debugw("recorded processor stats", "task", t.ID, "analyst", endpoint, "processors", len(ev.Samples))
	}
	return nil
}

// HandleError records a processor error report. The task state is unchanged.
func (c *Coordinator) HandleError(ctx context.Context, endpoint string, ev api.ErrorEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	t, err := c.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	return c.store.AppendTaskError(ctx, api.TaskError{
		ID:          uuid.New(),
		TaskID:      t.ID,
		JobID:       t.JobID,
		Message:     ev.Message,
		Processor:   ev.Processor,
		Fatal:       ev.Fatal,
		Endpoint:    endpoint,
		Phase:       ev.Phase,
		TimeCreated: c.clock.Now(),
	})
}

// HandleEvent dispatches one decoded analyst event.
func (c *Coordinator) HandleEvent(ctx context.Context, endpoint string, ev api.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch e := ev.(type) {
	case api.StartEvent:
		ok, err := c.StartTask(ctx, endpoint, e.TaskID)
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.Errorf("start of task %s: %w", e.TaskID, api.ErrNotAssigned)
		}
		return nil
	case api.StopEvent:
		_, err := c.StopTask(ctx, endpoint, e)
		return err
	case api.ExpandEvent:
		_, err := c.Expand(ctx, endpoint, e)
		return err
	case api.StatsEvent:
		return c.HandleStats(ctx, endpoint, []api.StatsEvent{e})
	case api.ErrorEvent:
		return c.HandleError(ctx, endpoint, e)
	case api.UnknownEvent:
		log.Warnw("dropping event of unknown kind", "kind", e.Type, "analyst", endpoint)
		return nil
	default:
		return xerrors.Errorf("unhandled event type %T", ev)
	}
}
