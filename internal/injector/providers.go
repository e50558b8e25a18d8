package injector

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/databox/internal/core/databox/reload"
	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/sdk/go/client"
)

var ProviderSet = wire.NewSet(ProvideLogger, ProvideRegistry, ProvideClient)

// ProvideLogger creates the root logger at the configured level.
func ProvideLogger(cfg client.Config) (log.Log, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return log.New(level), nil
}

func ProvideRegistry() *reload.Registry {
	return reload.DefaultRegistry()
}

// ProvideClient creates the client. A nil metrics registerer leaves the
// collectors unregistered.
func ProvideClient(cfg client.Config, logger log.Log, registry *reload.Registry, metrics prometheus.Registerer) (*client.Client, error) {
	return client.New(cfg,
		client.WithLogger(logger),
		client.WithRegistry(registry),
		client.WithMetrics(metrics),
	)
}
