package worker

import (
	"context"
	"log/slog"
	"sync"

	"go.ntppool.org/common/metrics"
	"go.opentelemetry.io/otel/metric"
)

var (
	AcquisitionAttempts metric.Int64Counter
	AcquisitionPeak     metric.Float64Histogram
	TelemetryDropped    metric.Int64Counter

	setupOnce sync.Once
	setupErr  error
)

// InitInstruments creates the worker's otel instruments. It is safe to
// call more than once.
func InitInstruments() error {
	setupOnce.Do(func() {
		setupErr = initializeInstruments()
	})
	return setupErr
}

func initializeInstruments() error {
	log := slog.Default()
	meter := metrics.GetMeter("gnssrx.worker")

	var err error

	AcquisitionAttempts, err = meter.Int64Counter("gnssrx.acquisition_attempts_total",
		metric.WithDescription("Acquisition searches by group and outcome"))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create AcquisitionAttempts counter", "err", err)
		return err
	}

	AcquisitionPeak, err = meter.Float64Histogram("gnssrx.acquisition_peak_ratio",
		metric.WithDescription("Correlation peak to second peak ratio"),
		metric.WithExplicitBucketBoundaries(1, 1.5, 2, 2.5, 3, 5, 10, 20, 50, 100))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create AcquisitionPeak histogram", "err", err)
		return err
	}

	TelemetryDropped, err = meter.Int64Counter("gnssrx.telemetry_dropped_total",
		metric.WithDescription("Telemetry frames the exporter could not queue"))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create TelemetryDropped counter", "err", err)
		return err
	}

	return nil
}
