package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8,
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 3000, 4000, 5000, 8000, 10000, 20000, 30000, 60000,
)

// processor samples run from milliseconds to hours
var processorMillisecondsDistribution = view.Distribution(
	1, 5, 10, 50, 100, 250, 500, 1000, 2000, 5000, 10_000, 30_000, 60_000,
	2*60_000, 5*60_000, 10*60_000, 15*60_000, 30*60_000, 60*60_000, 120*60_000, 240*60_000,
)

// Tags
var (
	Version, _ = tag.NewKey("version")
	Commit, _  = tag.NewKey("commit")

	Tenant, _    = tag.NewKey("tenant")
	TaskState, _ = tag.NewKey("task_state")
	Result, _    = tag.NewKey("result")
	Processor, _ = tag.NewKey("processor")
	Endpoint, _  = tag.NewKey("endpoint")
	Route, _     = tag.NewKey("route")
)

// Measures
var (
	Info = stats.Int64("info", "Arbitrary counter to tag overseer info to", stats.UnitDimensionless)

	DispatchPolls       = stats.Int64("dispatch/polls", "Counter for GetNext calls", stats.UnitDimensionless)
	DispatchClaims      = stats.Int64("dispatch/claims", "Counter for successfully claimed tasks", stats.UnitDimensionless)
	DispatchContention  = stats.Int64("dispatch/contention", "Counter for claim attempts lost to another poller", stats.UnitDimensionless)
	DispatchEmptyPolls  = stats.Int64("dispatch/empty_polls", "Counter for polls that returned no task", stats.UnitDimensionless)
	DispatchGetNextTime = stats.Float64("dispatch/getnext_ms", "Duration of GetNext", stats.UnitMilliseconds)
	DispatchCandidates  = stats.Int64("dispatch/candidates", "Number of candidate tasks considered by one poll", stats.UnitDimensionless)

	TaskStopped          = stats.Int64("task/stopped", "Counter for stopped tasks, tagged by result", stats.UnitDimensionless)
	TaskRetries          = stats.Int64("task/retries", "Counter for tasks returned to the waiting pool", stats.UnitDimensionless)
	TaskOrphansReclaimed = stats.Int64("task/orphans_reclaimed", "Counter for running tasks reclaimed by the sweeper", stats.UnitDimensionless)
	TaskExpanded         = stats.Int64("task/expanded", "Counter for tasks created by expansion", stats.UnitDimensionless)

	AnalystMarkedDown = stats.Int64("analyst/marked_down", "Counter for analysts marked down", stats.UnitDimensionless)
	AnalystRemoved    = stats.Int64("analyst/removed", "Counter for analysts removed after prolonged silence", stats.UnitDimensionless)
	AnalystPings      = stats.Int64("analyst/pings", "Counter for analyst pings", stats.UnitDimensionless)

	ProcessorDuration = stats.Float64("processor/duration_ms", "Processor timing samples reported by analysts", stats.UnitMilliseconds)

	SweepDuration = stats.Float64("maint/sweep_ms", "Duration of one maintenance sweep", stats.UnitMilliseconds)
	SweepErrors   = stats.Int64("maint/sweep_errors", "Counter for failed sweep passes", stats.UnitDimensionless)

	APIRequestDuration = stats.Float64("api/request_duration_ms", "Duration of API requests", stats.UnitMilliseconds)
	RateLimitCount     = stats.Int64("api/rate_limit_count", "Counter for requests rejected by the rate limiter", stats.UnitDimensionless)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Overseer node information",
		Measure:     Info,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit},
	}
	DispatchPollsView = &view.View{
		Measure:     DispatchPolls,
		Aggregation: view.Count(),
	}
	DispatchClaimsView = &view.View{
		Measure:     DispatchClaims,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Tenant},
	}
	DispatchContentionView = &view.View{
		Measure:     DispatchContention,
		Aggregation: view.Count(),
	}
	DispatchEmptyPollsView = &view.View{
		Measure:     DispatchEmptyPolls,
		Aggregation: view.Count(),
	}
	DispatchGetNextTimeView = &view.View{
		Measure:     DispatchGetNextTime,
		Aggregation: defaultMillisecondsDistribution,
	}
	DispatchCandidatesView = &view.View{
		Measure:     DispatchCandidates,
		Aggregation: view.Distribution(0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512),
	}
	TaskStoppedView = &view.View{
		Measure:     TaskStopped,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Result, TaskState},
	}
	TaskRetriesView = &view.View{
		Measure:     TaskRetries,
		Aggregation: view.Count(),
	}
	TaskOrphansReclaimedView = &view.View{
		Measure:     TaskOrphansReclaimed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskState},
	}
	TaskExpandedView = &view.View{
		Measure:     TaskExpanded,
		Aggregation: view.Sum(),
	}
	AnalystMarkedDownView = &view.View{
		Measure:     AnalystMarkedDown,
		Aggregation: view.Count(),
	}
	AnalystRemovedView = &view.View{
		Measure:     AnalystRemoved,
		Aggregation: view.Count(),
	}
	AnalystPingsView = &view.View{
		Measure:     AnalystPings,
		Aggregation: view.Count(),
	}
	ProcessorDurationView = &view.View{
		Measure:     ProcessorDuration,
		Aggregation: processorMillisecondsDistribution,
		TagKeys:     []tag.Key{Processor},
	}
	SweepDurationView = &view.View{
		Measure:     SweepDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	SweepErrorsView = &view.View{
		Measure:     SweepErrors,
		Aggregation: view.Count(),
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Route},
	}
	RateLimitedView = &view.View{
		Measure:     RateLimitCount,
		Aggregation: view.Count(),
	}
)

var views = []*view.View{
	InfoView,
	DispatchPollsView,
	DispatchClaimsView,
	DispatchContentionView,
	DispatchEmptyPollsView,
	DispatchGetNextTimeView,
	DispatchCandidatesView,
	TaskStoppedView,
	TaskRetriesView,
	TaskOrphansReclaimedView,
	TaskExpandedView,
	AnalystMarkedDownView,
	AnalystRemovedView,
	AnalystPingsView,
	ProcessorDurationView,
	SweepDurationView,
	SweepErrorsView,
	APIRequestDurationView,
	RateLimitedView,
}

// DefaultViews returns every view known to the process, including the ones
// added by other packages through RegisterViews.
func DefaultViews() []*view.View {
	return views
}

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// Count records one occurrence of m under the given tags.
func Count(ctx context.Context, m *stats.Int64Measure, tags ...tag.Mutator) {
	if len(tags) > 0 {
		if tctx, err := tag.New(ctx, tags...); err == nil {
			ctx = tctx
		}
	}
	stats.Record(ctx, m.M(1))
}
