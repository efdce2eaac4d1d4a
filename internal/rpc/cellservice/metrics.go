package cellservice

import (
	"context"
	"fmt"
	"time"

	"github.com/cellmesh/agentd/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

const second = 1000 // ms

var stopDurBoundaries = make([]float64, 0, 32)

func init() {
	// 10ms - 100ms: one bucket per 10ms
	// 100ms - 1s: one bucket per 100ms
	// 1s - 10s: one bucket per second (SIGTERM grace dominates here)
	for bound := 10; bound < 100; bound += 10 {
		stopDurBoundaries = append(stopDurBoundaries, float64(bound))
	}
	for bound := 100; bound < second; bound += 100 {
		stopDurBoundaries = append(stopDurBoundaries, float64(bound))
	}
	for bound := second; bound <= 10*second; bound += second {
		stopDurBoundaries = append(stopDurBoundaries, float64(bound))
	}
}

// serviceMetric tracks the entities this facade manages. Counters
// move once per facade operation; broadcast drains during shutdown
// bypass them, as the process is exiting anyway.
type serviceMetric struct {
	cells       metric.Int64UpDownCounter
	executables metric.Int64UpDownCounter
	stopDur     metric.Float64Histogram
}

func newServiceMetric() (*serviceMetric, error) {
	meter := telemetry.Meter("cellservice")

	cells, err := meter.Int64UpDownCounter(
		"cells.total_counter",
		metric.WithDescription("Number of cells allocated through this agent's facade"),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric `cells`: %w", err)
	}

	executables, err := meter.Int64UpDownCounter(
		"executables.total_counter",
		metric.WithDescription("Number of executables supervised by this agent"),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric `executables`: %w", err)
	}

	stopDur, err := meter.Float64Histogram(
		"executables.stop_duration",
		metric.WithDescription("The duration of stopping an executable (in milliseconds)"),
		metric.WithExplicitBucketBoundaries(stopDurBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric `stop_duration`: %w", err)
	}

	return &serviceMetric{cells: cells, executables: executables, stopDur: stopDur}, nil
}

// All recorders are nil-receiver safe so the facade keeps working when
// metric creation failed at startup.

func (m *serviceMetric) cellAllocated(ctx context.Context) {
	if m == nil {
		return
	}
	m.cells.Add(ctx, 1)
}

func (m *serviceMetric) cellFreed(ctx context.Context) {
	if m == nil {
		return
	}
	m.cells.Add(ctx, -1)
}

func (m *serviceMetric) executableStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.executables.Add(ctx, 1)
}

func (m *serviceMetric) executableStopped(ctx context.Context, dur time.Duration) {
	if m == nil {
		return
	}
	m.executables.Add(ctx, -1)
	m.stopDur.Record(ctx, float64(dur.Nanoseconds())/1e6)
}
