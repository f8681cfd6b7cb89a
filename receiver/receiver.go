// Package receiver wires the control loop, the channel workers, the
// simulated signal source and the outputs into one supervised run.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/tracing"
	"go.ntppool.org/common/ulid"
	"go.ntppool.org/common/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"go.ntppool.org/gnssrx/acquisition"
	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/control"
	"go.ntppool.org/gnssrx/controlq"
	"go.ntppool.org/gnssrx/prncode"
	"go.ntppool.org/gnssrx/report"
	"go.ntppool.org/gnssrx/sigsim"
	"go.ntppool.org/gnssrx/telemetry"
	"go.ntppool.org/gnssrx/worker"
)

// Run executes one receiver run and returns its report. Cancelling ctx
// asks the control loop to stop; the report is still produced.
func Run(ctx context.Context, cfg Config) (*report.Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := ulid.MakeULID(time.Now())
	if err != nil {
		return nil, err
	}
	runID := id.String()

	log := logger.FromContext(ctx).With("run", runID)
	ctx = logger.NewContext(ctx, log)

	ctx, span := tracing.Start(ctx, "receiver.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run", runID))

	started := time.Now()
	log.InfoContext(ctx, "receiver starting",
		"version", version.Version(),
		"gpsChannels", cfg.GPSChannels,
		"bdsChannels", cfg.BDSChannels,
		"inAcquisition", cfg.MaxAcquiring)

	metricssrv := metricsserver.New()
	version.RegisterMetric("gnssrx", metricssrv.Registry())
	metrics := control.NewMetrics(metricssrv.Registry())

	q := controlq.New()
	stop := stopOnce(log, q)

	sky, err := cfg.sky()
	if err != nil {
		return nil, err
	}
	for _, sat := range sky {
		log.DebugContext(ctx, "visible satellite", "sat", sat.String())
	}

	src, err := sigsim.New(log, sigsim.Config{
		SampleRate: cfg.SampleRate,
		Noise:      cfg.Noise,
		Periods:    cfg.Periods,
		Blocks:     cfg.Blocks,
		Interval:   cfg.BlockInterval,
		Seed:       cfg.Seed,
		Visible:    sky,
	}, func() { stop("source exhausted") })
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var exporter *telemetry.Exporter
	var sink worker.Exporter
	if cfg.TelemetryAddr != "" {
		exporter = telemetry.NewExporter(log, cfg.TelemetryAddr, 0)
		sink = exporter
	}

	layout := cfg.Layout()
	workers := make([]*worker.Worker, len(layout.Channels))
	for i := range layout.Channels {
		acq, err := acquisition.New(acquisition.Config{
			SampleRate: cfg.SampleRate,
			Threshold:  cfg.Threshold,
		})
		if err != nil {
			return nil, err
		}
		workers[i] = worker.New(log, uint32(i), q, src, acq, sink)
	}
	pool, err := worker.NewPool(log, workers)
	if err != nil {
		return nil, err
	}

	orch, err := control.New(log, q, layout, pool, metrics)
	if err != nil {
		return nil, err
	}
	orch.OnIdle(func() { stop("no channel acquiring") })

	var mq *report.MQTT
	if cfg.MQTT != nil {
		mqcfg := *cfg.MQTT
		mqcfg.RunID = runID
		if mqcfg.Topics.Name == "" {
			mqcfg.Topics.Name = cfg.Name
		}
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		mq, err = report.DialMQTT(dialCtx, mqcfg)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return pool.Run(gctx)
	})
	if exporter != nil {
		g.Go(func() error {
			return exporter.Run(gctx)
		})
	}
	if cfg.MetricsPort > 0 {
		g.Go(func() error {
			if err := metricssrv.ListenAndServe(gctx, cfg.MetricsPort); err != nil {
				log.ErrorContext(gctx, "metrics server error", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stop("shutdown")
		return nil
	})

	runErr := orch.Run(ctx)

	cancelRun()
	q.Close()
	workErr := g.Wait()

	rep := report.New(runID, version.Version(), started, orch, pool.Results())
	if exporter != nil {
		rep.TelemetrySent, rep.TelemetryDropped = exporter.Stats()
	}

	err = errors.Join(runErr, workErr)
	if err != nil {
		rep.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c := orch.Counters()
	span.SetAttributes(
		attribute.Int64("processed", int64(c.Processed)),
		attribute.Int64("applied", int64(c.Applied)),
		attribute.Int("tracking", len(rep.Tracking())),
	)
	log.InfoContext(ctx, "receiver stopped",
		"processed", c.Processed,
		"applied", c.Applied,
		"tracking", len(rep.Tracking()),
		"blocks", src.Delivered())

	if mq != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if perr := rep.Publish(pubCtx, mq, mq.Topics()); perr != nil {
			log.WarnContext(ctx, "report publish failed", "err", perr)
		}
		if cerr := mq.Close(pubCtx); cerr != nil {
			log.DebugContext(ctx, "mqtt disconnect", "err", cerr)
		}
		cancel()
	}

	return rep, err
}

// stopOnce returns a function that enqueues a single Stop.
func stopOnce(log *slog.Logger, q *controlq.Queue) func(reason string) {
	var once sync.Once
	return func(reason string) {
		once.Do(func() {
			m, err := q.Enqueue(controlq.StopMessage())
			if err != nil && !errors.Is(err, controlq.ErrClosed) {
				log.Error("could not enqueue stop", "err", err)
				return
			}
			log.Debug("stop requested", "reason", reason, "seq", m.Seq)
		})
	}
}

func (c Config) sky() ([]sigsim.Satellite, error) {
	var sky []sigsim.Satellite
	for _, s := range []struct {
		group   channel.Group
		prns    []uint32
		visible int
	}{
		{channel.GroupGPS, c.GPSCandidates, c.GPSVisible},
		{channel.GroupBeiDou, c.BDSCandidates, c.BDSVisible},
	} {
		known := map[uint32]bool{}
		for _, prn := range prncode.PRNs(s.group) {
			known[prn] = true
		}
		var prns []uint32
		for _, prn := range s.prns {
			if known[prn] {
				prns = append(prns, prn)
			}
		}

		sats, err := sigsim.Sky(c.Seed, s.group, prns, s.visible)
		if err != nil {
			return nil, fmt.Errorf("%s sky: %w", s.group, err)
		}
		sky = append(sky, sats...)
	}
	return sky, nil
}
