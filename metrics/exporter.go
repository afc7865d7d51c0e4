package metrics

import (
	"context"
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	logging "github.com/ipfs/go-log/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"
)

var log = logging.Logger("metrics")

// Exporter registers the default views and returns the prometheus handler
// serving them together with everything on the default prometheus registry.
func Exporter(ctx context.Context, version, commit string) (http.Handler, error) {
	if err := view.Register(DefaultViews()...); err != nil {
		return nil, xerrors.Errorf("registering views: %w", err)
	}

	registry, ok := promclient.DefaultRegisterer.(*promclient.Registry)
	if !ok {
		log.Warnf("failed to export default prometheus registry; some metrics will be unavailable; unexpected type: %T", promclient.DefaultRegisterer)
		registry = nil
	}

	exporter, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: "overseer",
	})
	if err != nil {
		return nil, xerrors.Errorf("could not create the prometheus stats exporter: %w", err)
	}

	ictx, err := tag.New(ctx, tag.Insert(Version, version), tag.Insert(Commit, commit))
	if err != nil {
		return nil, xerrors.Errorf("tagging info metric: %w", err)
	}
	stats.Record(ictx, Info.M(1))

	return exporter, nil
}

// UnregisterViews undoes Exporter's view registration.
func UnregisterViews() {
	view.Unregister(DefaultViews()...)
}
