package vmservice

import (
	"context"
	"fmt"

	"github.com/cellmesh/agentd/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// serviceMetric counts the VMs this facade holds handles for. The
// counter moves once per facade operation; shutdown's registry drain
// bypasses it.
type serviceMetric struct {
	vms metric.Int64UpDownCounter
}

func newServiceMetric() (*serviceMetric, error) {
	meter := telemetry.Meter("vmservice")
	vms, err := meter.Int64UpDownCounter(
		"vms.total_counter",
		metric.WithDescription("Number of microVMs allocated on this agent"),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric `vms`: %w", err)
	}
	return &serviceMetric{vms: vms}, nil
}

func (m *serviceMetric) vmAllocated(ctx context.Context) {
	if m == nil {
		return
	}
	m.vms.Add(ctx, 1)
}

func (m *serviceMetric) vmFreed(ctx context.Context) {
	if m == nil {
		return
	}
	m.vms.Add(ctx, -1)
}
