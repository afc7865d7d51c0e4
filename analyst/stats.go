package analyst

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"golang.org/x/time/rate"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/api/client"
)

// statsBuffer merges processor samples and sends them at most as often as
// the limiter allows.
type statsBuffer struct {
	task    uuid.UUID
	limiter *rate.Limiter
	clock   clock.Clock

	lk      sync.Mutex
	pending map[string]api.ProcessorSample
}

func newStatsBuffer(task uuid.UUID, l *rate.Limiter, clk clock.Clock) *statsBuffer {
	return &statsBuffer{task: task, limiter: l, clock: clk, pending: map[string]api.ProcessorSample{}}
}

func (b *statsBuffer) add(samples []api.ProcessorSample) {
	b.lk.Lock()
	defer b.lk.Unlock()

	for _, s := range samples {
		cur, ok := b.pending[s.Processor]
		if !ok {
			b.pending[s.Processor] = s
			continue
		}
		cur.Count += s.Count
		cur.TotalMs += s.TotalMs
		cur.MinMs = min(cur.MinMs, s.MinMs)
		cur.MaxMs = max(cur.MaxMs, s.MaxMs)
		b.pending[s.Processor] = cur
	}
}

func (b *statsBuffer) take() []api.ProcessorSample {
	b.lk.Lock()
	defer b.lk.Unlock()

	out := make([]api.ProcessorSample, 0, len(b.pending))
	for _, s := range b.pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Processor < out[j].Processor })
	b.pending = map[string]api.ProcessorSample{}
	return out
}

func (b *statsBuffer) maybeFlush(ctx context.Context, c *client.Client) error {
	if !b.limiter.AllowN(b.clock.Now(), 1) {
		return nil
	}
	return b.flush(ctx, c)
}

func (b *statsBuffer) flush(ctx context.Context, c *client.Client) error {
	samples := b.take()
	if len(samples) == 0 {
		return nil
	}
	return c.SendEvent(ctx, api.StatsEvent{TaskID: b.task, Samples: samples})
}
