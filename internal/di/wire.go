//go:build wireinject
// +build wireinject

package di

import (
	"CoinPulse/pkg/config"
	"CoinPulse/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// The returned cleanup releases external clients in reverse order.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,
		ProvideHubMetrics,
		ProvideClickHouseClient,
		ProvideCache,

		// Exchange
		ProvideRESTClient,
		ProvideExchange,

		// Repositories
		ProvideSnapshotStore,
		ProvideClickHouseStore,
		ProvideChangesHistory,
		ProvideStatusPublisher,
		ProvideSinks,

		// Use cases
		ProvideChangesPipeline,
		ProvideHub,
		ProvideDispatcher,
		ProvideMessageReceiver,
		ProvideEngine,
		ProvideChangesQuery,
		ProvideCandlesUseCase,

		// HTTP
		ProvideChangesHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
