//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/databox/sdk/go/client"
)

// InitializeClient builds an unconnected client from its configuration.
func InitializeClient(cfg client.Config, metrics prometheus.Registerer) (*client.Client, error) {
	wire.Build(ProviderSet)
	return nil, nil
}
