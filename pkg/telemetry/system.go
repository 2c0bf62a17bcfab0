package telemetry

import (
	"context"
	"os"
	"runtime"

	"go.opentelemetry.io/otel/metric"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// RegisterSystemGauges exports process CPU and memory usage as observable
// gauges. Sampling happens on Prometheus scrape, not on a timer.
func (t *Telemetry) RegisterSystemGauges() error {
	meter := t.meterProvider.Meter("sentinel/system")

	cpuGauge, err := meter.Float64ObservableGauge(
		"system.cpu.percent",
		metric.WithDescription("Process CPU usage, normalized to 0-100"),
	)
	if err != nil {
		return err
	}

	memGauge, err := meter.Int64ObservableGauge(
		"system.memory.rss",
		metric.WithDescription("Process resident set size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	memPercentGauge, err := meter.Float64ObservableGauge(
		"system.memory.percent",
		metric.WithDescription("Process RSS as a share of total system memory"),
	)
	if err != nil {
		return err
	}

	pid := int32(os.Getpid())
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return nil // sampling failures are not scrape failures
		}

		if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				cpuPercent /= float64(n)
			}
			o.ObserveFloat64(cpuGauge, cpuPercent)
		}

		var rss uint64
		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			rss = memInfo.RSS
			o.ObserveInt64(memGauge, int64(rss))
		}

		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 && rss > 0 {
			o.ObserveFloat64(memPercentGauge, float64(rss)/float64(vm.Total)*100)
		}

		return nil
	}, cpuGauge, memGauge, memPercentGauge)

	return err
}
