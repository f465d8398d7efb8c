package harness

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/analytics"
	"github.com/tb0hdan/toolgate-mcp/pkg/dispatch"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/catalog"
)

// NewDispatcher wires the shipped tools plus the hostile tool against store,
// the same way the gateway does, without rate limits or feature flags.
func NewDispatcher(store storage.Storage, logger zerolog.Logger, m *metrics.Metrics) (*dispatch.Dispatcher, error) {
	ledger := session.NewLedger(store, logger, m)
	deps := tools.Deps{
		Logger: logger,
		Store:  store,
		Ledger: ledger,
		Stats:  analytics.NewAggregator(store, logger),
	}

	d := dispatch.New(dispatch.Config{
		Logger:  logger,
		Metrics: m,
		Ledger:  ledger,
		Auditor: tools.NewAuditor(store, logger),
	})
	for _, t := range append(catalog.All(deps), NewHostileTool()) {
		if err := d.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", t.Name(), err)
		}
	}
	return d, nil
}
