package sqldb

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/mediaplane/overseer/metrics"
)

var (
	dbTag, _ = tag.NewKey("db")
	opTag, _ = tag.NewKey("op")
)

var (
	queries    = stats.Int64("sqldb/queries", "Statements and transactions run", stats.UnitDimensionless)
	queryMs    = stats.Float64("sqldb/query_ms", "Time spent in the database per call", stats.UnitMilliseconds)
	queryErrs  = stats.Int64("sqldb/errors", "Calls that failed, not counting empty results", stats.UnitDimensionless)
	txAbandons = stats.Int64("sqldb/tx_abandoned", "Transactions rolled back because their precondition no longer held", stats.UnitDimensionless)

	// queryLatency goes straight to the prometheus registry so it keeps
	// native buckets; the views above flow through the opencensus exporter.
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "overseer",
		Subsystem: "sqldb",
		Name:      "query_seconds",
		Help:      "Database call latency.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"db", "op"})
)

func init() {
	keys := []tag.Key{dbTag, opTag}
	metrics.RegisterViews(
		&view.View{Measure: queries, Aggregation: view.Count(), TagKeys: keys},
		&view.View{Measure: queryMs, Aggregation: view.Distribution(0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500), TagKeys: keys},
		&view.View{Measure: queryErrs, Aggregation: view.Count(), TagKeys: keys},
		&view.View{Measure: txAbandons, Aggregation: view.Count(), TagKeys: []tag.Key{dbTag}},
	)
	prometheus.MustRegister(queryLatency)
}
