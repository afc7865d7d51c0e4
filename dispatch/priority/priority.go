// Package priority ranks tenants by queue pressure for each dispatch decision.
package priority

import (
	"bytes"
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobstore"
)

type Calculator struct {
	store jobstore.Store
}

func New(store jobstore.Store) *Calculator {
	return &Calculator{store: store}
}

// GetDispatchPriority returns one entry per tenant with waiting work in an
// in-progress job, fewest running tasks first. Ties go to the older tenant,
// then the lower id. Nothing is cached between calls.
func (c *Calculator) GetDispatchPriority(ctx context.Context) ([]api.DispatchPriority, error) {
	load, err := c.store.TenantLoad(ctx)
	if err != nil {
		return nil, err
	}

	out := lo.FilterMap(load, func(l jobstore.TenantLoad, _ int) (api.DispatchPriority, bool) {
		return api.DispatchPriority{
			TenantID:    l.TenantID,
			Running:     l.Running,
			Waiting:     l.Waiting,
			TimeCreated: l.TimeCreated,
		}, l.Waiting > 0
	})
	Sort(out)
	return out, nil
}

// Sort orders entries by running count, tenant age, then id.
func Sort(ps []api.DispatchPriority) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Running != b.Running {
			return a.Running < b.Running
		}
		if !a.TimeCreated.Equal(b.TimeCreated) {
			return a.TimeCreated.Before(b.TimeCreated)
		}
		return bytes.Compare(a.TenantID[:], b.TenantID[:]) < 0
	})
}
