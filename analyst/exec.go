package analyst

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
)

const (
	// exit status reported when the command could not be started
	startFailedStatus = 127
	stderrTail        = 4 << 10
	reportTimeout     = 30 * time.Second
)

// Execute runs one claimed task to completion and reports its stop event.
func (w *Worker) Execute(ctx context.Context, task *api.DispatchTask) error {
	id := task.TaskID
	w.current.Store(&id)
	defer w.current.Store(nil)

	if err := w.client.SendEvent(ctx, api.StartEvent{TaskID: id}); err != nil {
		if xerrors.Is(err, api.ErrNotAssigned) {
			log.Warnw("task was taken away before it started", "task", id)
			return nil
		}
		return xerrors.Errorf("sending start: %w", err)
	}
	log.Infow("task started", "task", id, "job", task.JobID, "name", task.Name, "run", task.RunCount)

	stats := newStatsBuffer(id, rate.NewLimiter(rate.Every(w.cfg.StatsInterval), 1), w.cfg.Clock)
	stop := w.run(ctx, task, stats)

	// reports still go out when the worker is shutting down
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := stats.flush(rctx, w.client); err != nil {
		log.Warnw("flushing stats", "task", id, "error", err)
	}
	if err := w.client.SendEvent(rctx, stop); err != nil {
		return xerrors.Errorf("sending stop: %w", err)
	}
	log.Infow("task stopped", "task", id, "exit", stop.ExitStatus)
	return nil
}

func (w *Worker) run(ctx context.Context, task *api.DispatchTask, stats *statsBuffer) api.StopEvent {
	stop := api.StopEvent{TaskID: task.TaskID}

	script, err := json.Marshal(task.Script)
	if err != nil {
		stop.ExitStatus = startFailedStatus
		stop.Message = fmt.Sprintf("encoding script: %s", err)
		return stop
	}

	cmd := exec.CommandContext(ctx, w.cfg.Command[0], w.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(script)
	cmd.Env = taskEnv(task)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stop.ExitStatus = startFailedStatus
		stop.Message = err.Error()
		return stop
	}

	if err := cmd.Start(); err != nil {
		stop.ExitStatus = startFailedStatus
		stop.Message = fmt.Sprintf("starting %s: %s", w.cfg.Command[0], err)
		return stop
	}

	w.forward(ctx, task.TaskID, stdout, stats)

	err = cmd.Wait()
	var ee *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		stop.ExitStatus = -1
		stop.Message = "analyst shut down during execution"
	case xerrors.As(err, &ee):
		stop.ExitStatus = ee.ExitCode()
		stop.Message = stderr.lastLine()
	default:
		stop.ExitStatus = startFailedStatus
		stop.Message = err.Error()
	}
	return stop
}

// forward relays the events the command writes on stdout. Lines that are
// not event envelopes are logged.
func (w *Worker) forward(ctx context.Context, id uuid.UUID, r io.Reader, stats *statsBuffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 8<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			log.Debugw("command output", "task", id, "line", string(line))
			continue
		}
		ev, err := taskEvent(line, id)
		if err != nil {
			log.Warnw("dropping malformed event from command", "task", id, "error", err)
			continue
		}

		switch e := ev.(type) {
		case api.StatsEvent:
			stats.add(e.Samples)
			if err := stats.maybeFlush(ctx, w.client); err != nil {
				log.Warnw("flushing stats", "task", id, "error", err)
			}
		case api.ErrorEvent, api.ExpandEvent:
			if err := w.client.SendEvent(ctx, ev); err != nil {
				log.Warnw("sending event", "task", id, "kind", ev.Kind(), "error", err)
			}
		default:
			log.Warnw("command may not send this event kind", "task", id, "kind", ev.Kind())
		}
	}
	if err := sc.Err(); err != nil {
		log.Warnw("reading command output", "task", id, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// taskEvent decodes an envelope written by the command, filling in the task id.
func taskEvent(line []byte, id uuid.UUID) (api.Event, error) {
	var env api.EventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, xerrors.Errorf("decoding envelope: %w", err)
	}
	body := map[string]json.RawMessage{}
	if len(env.Event) > 0 {
		if err := json.Unmarshal(env.Event, &body); err != nil {
			return nil, xerrors.Errorf("decoding %s event: %w", env.Type, err)
		}
	}
	body["taskId"], _ = json.Marshal(id)

	var err error
	if env.Event, err = json.Marshal(body); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return api.DecodeEvent(raw)
}

func taskEnv(task *api.DispatchTask) []string {
	env := os.Environ()
	keys := make([]string, 0, len(task.Env))
	for k := range task.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+task.Env[k])
	}
	return append(env,
		"OVERSEER_TASK_ID="+task.TaskID.String(),
		"OVERSEER_JOB_ID="+task.JobID.String(),
		"OVERSEER_TASK_NAME="+task.Name,
		"OVERSEER_RUN_COUNT="+strconv.Itoa(task.RunCount),
	)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	s := strings.TrimSpace(string(t.buf))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
