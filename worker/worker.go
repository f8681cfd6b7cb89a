// Package worker runs one goroutine per receiver channel. A worker
// waits for an assignment from the orchestrator, pulls a block from the
// signal source, searches it for the assigned PRN and reports the
// outcome on the control queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"go.ntppool.org/gnssrx/acquisition"
	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/controlq"
	"go.ntppool.org/gnssrx/sigsim"
	"go.ntppool.org/gnssrx/telemetry"
)

// Outbox is the producer side of the control queue
type Outbox interface {
	Enqueue(m controlq.Message) (controlq.Message, error)
}

// Source hands out sample blocks
type Source interface {
	Next(ctx context.Context) (sigsim.Block, error)
}

// Exporter takes telemetry frames without blocking
type Exporter interface {
	Send(f telemetry.Frame) bool
}

// Searcher is the acquisition engine of one worker
type Searcher interface {
	Search(ctx context.Context, group channel.Group, prn uint32, block []complex128) (acquisition.Result, error)
}

// Assignment is a PRN to search for
type Assignment struct {
	Group channel.Group
	PRN   uint32
}

type Worker struct {
	id  uint32
	log *slog.Logger

	out      Outbox
	src      Source
	search   Searcher
	exporter Exporter

	inbox chan Assignment

	mu   sync.Mutex
	last *acquisition.Result
}

// New returns the worker for channel id. exporter may be nil.
func New(log *slog.Logger, id uint32, out Outbox, src Source, search Searcher, exporter Exporter) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if err := InitInstruments(); err != nil {
		log.Warn("worker instruments unavailable", "err", err)
	}
	return &Worker{
		id:       id,
		log:      log.With("channel", id),
		out:      out,
		src:      src,
		search:   search,
		exporter: exporter,
		inbox:    make(chan Assignment, 1),
	}
}

func (w *Worker) ID() uint32 {
	return w.id
}

// Assign hands a new assignment to the worker without blocking. An
// assignment the worker has not picked up yet is replaced.
func (w *Worker) Assign(a Assignment) {
	for {
		select {
		case w.inbox <- a:
			return
		default:
		}
		select {
		case old := <-w.inbox:
			w.log.Debug("assignment superseded", "prn", old.PRN, "next", a.PRN)
		default:
		}
	}
}

// Last returns the most recent search result, if any.
func (w *Worker) Last() (acquisition.Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return acquisition.Result{}, false
	}
	return *w.last, true
}

// Run processes assignments until ctx is done, the source is exhausted
// or the control queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		var a Assignment
		select {
		case <-ctx.Done():
			return nil
		case a = <-w.inbox:
		}

		done, err := w.acquire(ctx, a)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// acquire runs one search. It returns true when the worker should stop.
func (w *Worker) acquire(ctx context.Context, a Assignment) (bool, error) {
	ctx, span := tracing.Start(ctx, "worker.acquire")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("channel", int64(w.id)),
		attribute.String("group", string(a.Group)),
		attribute.Int64("prn", int64(a.PRN)),
	)

	block, err := w.src.Next(ctx)
	switch {
	case errors.Is(err, sigsim.ErrExhausted):
		w.log.DebugContext(ctx, "source exhausted", "prn", a.PRN)
		return true, nil
	case ctx.Err() != nil:
		return true, nil
	case err != nil:
		return true, fmt.Errorf("channel %d: read block: %w", w.id, err)
	}

	res, err := w.search.Search(ctx, a.Group, a.PRN, block.Samples)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		// a PRN the code tables do not know can never be acquired
		w.log.WarnContext(ctx, "search failed", "group", a.Group, "prn", a.PRN, "err", err)
		res = acquisition.Result{Group: a.Group, PRN: a.PRN}
	}

	w.record(ctx, res, block.Epoch)

	msg := controlq.Failed(w.id)
	if res.Acquired {
		msg = controlq.Succeeded(w.id)
	}
	msg, err = w.out.Enqueue(msg)
	if errors.Is(err, controlq.ErrClosed) {
		w.log.DebugContext(ctx, "control queue closed")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("channel %d: %w", w.id, err)
	}

	span.SetAttributes(attribute.Bool("acquired", res.Acquired), attribute.Int64("seq", int64(msg.Seq)))
	w.log.DebugContext(ctx, "acquisition reported",
		"group", a.Group,
		"prn", a.PRN,
		"acquired", res.Acquired,
		"ratio", res.PeakRatio,
		"codePhase", res.CodePhase,
		"epoch", block.Epoch,
		"seq", msg.Seq)

	return false, nil
}

func (w *Worker) record(ctx context.Context, res acquisition.Result, epoch uint64) {
	w.mu.Lock()
	w.last = &res
	w.mu.Unlock()

	outcome := "failed"
	if res.Acquired {
		outcome = "acquired"
	}
	attrs := metric.WithAttributes(
		attribute.String("group", string(res.Group)),
		attribute.String("outcome", outcome),
	)
	if AcquisitionAttempts != nil {
		AcquisitionAttempts.Add(ctx, 1, attrs)
	}
	if AcquisitionPeak != nil && res.PeakRatio > 0 {
		AcquisitionPeak.Record(ctx, res.PeakRatio, metric.WithAttributes(attribute.String("group", string(res.Group))))
	}

	if w.exporter == nil {
		return
	}
	ok := w.exporter.Send(telemetry.Frame{
		Channel:   w.id,
		Group:     res.Group,
		PRN:       res.PRN,
		Acquired:  res.Acquired,
		CodePhase: float64(res.CodePhase),
		PeakRatio: res.PeakRatio,
		Epoch:     epoch,
	})
	if !ok && TelemetryDropped != nil {
		TelemetryDropped.Add(ctx, 1)
	}
}

// Pool routes orchestrator assignments to the workers of each channel
// and runs them.
type Pool struct {
	log     *slog.Logger
	workers []*Worker
}

// NewPool indexes workers by their channel id, which must be dense
// from 0.
func NewPool(log *slog.Logger, workers []*Worker) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	byID := make([]*Worker, len(workers))
	for _, w := range workers {
		if uint64(w.id) >= uint64(len(workers)) || byID[w.id] != nil {
			return nil, fmt.Errorf("worker ids must be unique and dense, got %d", w.id)
		}
		byID[w.id] = w
	}
	return &Pool{log: log, workers: byID}, nil
}

// Assign implements control.Dispatcher.
func (p *Pool) Assign(id uint32, group channel.Group, prn uint32) {
	if uint64(id) >= uint64(len(p.workers)) {
		p.log.Error("assignment for unknown channel", "channel", id, "prn", prn)
		return
	}
	p.workers[id].Assign(Assignment{Group: group, PRN: prn})
}

// Results returns the last search result of every channel that has one.
func (p *Pool) Results() map[uint32]acquisition.Result {
	r := map[uint32]acquisition.Result{}
	for _, w := range p.workers {
		if res, ok := w.Last(); ok {
			r[w.id] = res
		}
	}
	return r
}

// Run runs all workers until ctx is done. The first worker error
// cancels the others.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
