// Package control implements the channel orchestration loop of the
// receiver.
//
// The orchestrator is the single owner of every channel descriptor and
// candidate pool. Channel workers only talk to it through the control
// queue, so no locking is needed around channel state.
//
// # State machine
//
// Per channel:
//   - Standby -> Acquiring: promoted when another channel frees an
//     admission slot (Tracking, or Standby after its pool ran out) and
//     the channel's group still has a candidate
//   - Acquiring -> Tracking: acquisition succeeded
//   - Acquiring -> Acquiring: acquisition failed, next candidate assigned
//   - Acquiring -> Standby: acquisition failed, pool exhausted
//
// Tracking is terminal. At most MaxAcquiring channels are Acquiring at
// any time.
//
// # Stale notifications
//
// A success or failure for a channel that is not Acquiring, or that was
// raised before the channel's current assignment (its queue sequence is
// not after the assignment's watermark), is counted as processed and
// otherwise ignored.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"go.ntppool.org/gnssrx/candidate"
	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/controlq"
)

// Inbox is the consumer side of the control queue
type Inbox interface {
	Dequeue(ctx context.Context) (controlq.Message, error)
	Watermark() uint64
}

// Dispatcher is told about every new assignment. Assign must not block.
type Dispatcher interface {
	Assign(id uint32, group channel.Group, prn uint32)
}

// Layout is the bootstrap input
type Layout struct {
	// Channels has the group of each channel; the index is the channel id.
	Channels []channel.Group

	// Candidates is the ordered candidate list per group.
	Candidates map[channel.Group][]uint32

	// MaxAcquiring is the admission cap, at least 1.
	MaxAcquiring int
}

// Counters is the read-only run summary
type Counters struct {
	Processed uint64
	Applied   uint64
}

// Orchestrator consumes the control queue and drives the channels
type Orchestrator struct {
	log      *slog.Logger
	inbox    Inbox
	dispatch Dispatcher
	metrics  *Metrics

	channels     []*channel.Descriptor
	pools        *candidate.Set
	maxAcquiring int
	acquiring    int

	counters Counters
	ran      bool

	onIdle func()
}

// New validates the layout and bootstraps the channels: walking ids in
// ascending order, a channel is admitted to Acquiring with the head of
// its group's pool while fewer than MaxAcquiring channels are
// Acquiring. Everything else starts in Standby. dispatch and metrics
// may be nil.
func New(log *slog.Logger, inbox Inbox, layout Layout, dispatch Dispatcher, metrics *Metrics) (*Orchestrator, error) {
	if inbox == nil {
		return nil, fmt.Errorf("%w: no control queue", ErrInvalidLayout)
	}
	if len(layout.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidLayout)
	}
	if uint64(len(layout.Channels)) >= uint64(controlq.NoChannel) {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidLayout, len(layout.Channels))
	}
	if layout.MaxAcquiring < 1 {
		return nil, fmt.Errorf("%w: max acquiring %d", ErrInvalidLayout, layout.MaxAcquiring)
	}

	pools, err := candidate.NewSet(layout.Candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}

	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		log:          log,
		inbox:        inbox,
		dispatch:     dispatch,
		metrics:      metrics,
		pools:        pools,
		maxAcquiring: layout.MaxAcquiring,
		channels:     make([]*channel.Descriptor, len(layout.Channels)),
	}

	for i, group := range layout.Channels {
		d := channel.New(uint32(i), group)
		o.channels[i] = d

		if o.acquiring >= o.maxAcquiring {
			continue
		}
		prn, err := o.pools.Pop(group)
		if err != nil {
			continue
		}
		d.Assign(prn, 0)
		o.acquiring++
	}

	o.log.Debug("channels bootstrapped",
		"channels", len(o.channels),
		"acquiring", o.acquiring,
		"maxAcquiring", o.maxAcquiring)

	return o, nil
}

// OnIdle sets a function called from the loop whenever no channel is
// Acquiring after bootstrap or after a message was applied. Nothing
// will produce another success or failure then, so the receiver uses it
// to end the run. Must be set before Run.
func (o *Orchestrator) OnIdle(f func()) {
	o.onIdle = f
}

// Run processes control messages until Stop. Cancelling ctx does not end
// the loop; the supervisor has to enqueue Stop. Run returns an error
// wrapping ErrUnknownChannel, ErrUnknownEvent or ErrQueueClosed when
// the run had to be aborted.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.ran {
		return ErrStopped
	}
	o.ran = true

	ctx, span := tracing.Start(ctx, "control.Run")
	defer span.End()

	ctx = context.WithoutCancel(ctx)

	for _, d := range o.channels {
		if d.State == channel.Acquiring {
			o.announce(d)
		}
	}
	o.trackPool()
	o.checkIdle(ctx)

	err := o.loop(ctx)

	span.SetAttributes(
		attribute.Int64("processed", int64(o.counters.Processed)),
		attribute.Int64("applied", int64(o.counters.Applied)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.ErrorContext(ctx, "control loop aborted", "err", err,
			"processed", o.counters.Processed,
			"applied", o.counters.Applied)
		return err
	}

	o.log.InfoContext(ctx, "control loop stopped",
		"processed", o.counters.Processed,
		"applied", o.counters.Applied)

	return nil
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		msg, err := o.inbox.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, controlq.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrQueueClosed, err)
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		o.counters.Processed++
		o.metrics.trackMessage(msg.Event)

		stop, err := o.handle(ctx, msg)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// handle applies one message. It returns true on Stop.
func (o *Orchestrator) handle(ctx context.Context, msg controlq.Message) (bool, error) {
	switch msg.Event {
	case controlq.Stop:
		o.log.DebugContext(ctx, "stop received", "seq", msg.Seq)
		return true, nil
	case controlq.AcquisitionSucceeded, controlq.AcquisitionFailed:
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownEvent, msg)
	}

	if uint64(msg.Channel) >= uint64(len(o.channels)) {
		return false, fmt.Errorf("%w: %d (pool has %d channels, seq %d)",
			ErrUnknownChannel, msg.Channel, len(o.channels), msg.Seq)
	}

	d := o.channels[msg.Channel]

	if d.State != channel.Acquiring || (d.Since > 0 && msg.Seq <= d.Since) {
		o.log.DebugContext(ctx, "stale notification",
			"msg", msg.String(),
			"state", d.State.String(),
			"since", d.Since)
		o.metrics.trackStale(msg.Event)
		return false, nil
	}

	switch msg.Event {
	case controlq.AcquisitionSucceeded:
		o.succeeded(ctx, d)
	case controlq.AcquisitionFailed:
		o.failed(ctx, d)
	}

	o.counters.Applied++
	o.trackPool()
	o.checkIdle(ctx)

	return false, nil
}

func (o *Orchestrator) checkIdle(ctx context.Context) {
	if o.acquiring > 0 || o.onIdle == nil {
		return
	}
	o.log.DebugContext(ctx, "no channel acquiring")
	o.onIdle()
}

func (o *Orchestrator) succeeded(ctx context.Context, d *channel.Descriptor) {
	d.Track()
	o.acquiring--
	o.metrics.trackAction(actionTrack, d.Group)
	o.log.InfoContext(ctx, "channel tracking", "channel", d.ID, "group", d.Group, "prn", *d.PRN)

	o.promote(ctx, d)
}

// promote hands a freed admission slot to the lowest id Standby channel
// whose group still has a candidate. The slot is global, so the channel
// may belong to a different group than after.
func (o *Orchestrator) promote(ctx context.Context, after *channel.Descriptor) {
	if o.acquiring >= o.maxAcquiring {
		return
	}

	next := o.nextStandby()
	if next == nil {
		return
	}

	prn, err := o.pools.Pop(next.Group)
	if err != nil {
		// nextStandby checked Remaining
		o.log.WarnContext(ctx, "candidate pool changed under promotion", "group", next.Group, "err", err)
		return
	}

	o.assign(next, prn)
	o.acquiring++
	o.metrics.trackAction(actionPromote, next.Group)
	o.log.InfoContext(ctx, "channel promoted", "channel", next.ID, "group", next.Group, "prn", prn, "after", after.ID)
}

func (o *Orchestrator) failed(ctx context.Context, d *channel.Descriptor) {
	prev := *d.PRN

	prn, err := o.pools.Pop(d.Group)
	if err != nil {
		d.Release()
		o.acquiring--
		o.metrics.trackAction(actionRelease, d.Group)
		o.log.InfoContext(ctx, "candidates exhausted, channel to standby",
			"channel", d.ID, "group", d.Group, "lastPRN", prev)
		o.promote(ctx, d)
		return
	}

	o.assign(d, prn)
	o.metrics.trackAction(actionRetry, d.Group)
	o.log.InfoContext(ctx, "channel retrying", "channel", d.ID, "group", d.Group, "prn", prn, "previousPRN", prev)
}

// nextStandby returns the lowest id Standby channel with a candidate
// left in its group's pool.
func (o *Orchestrator) nextStandby() *channel.Descriptor {
	for _, d := range o.channels {
		if d.State == channel.Standby && o.pools.Remaining(d.Group) > 0 {
			return d
		}
	}
	return nil
}

func (o *Orchestrator) assign(d *channel.Descriptor, prn uint32) {
	d.Assign(prn, o.inbox.Watermark())
	o.announce(d)
}

func (o *Orchestrator) announce(d *channel.Descriptor) {
	if o.dispatch == nil {
		return
	}
	o.dispatch.Assign(d.ID, d.Group, *d.PRN)
}

func (o *Orchestrator) trackPool() {
	if o.metrics == nil {
		return
	}
	remaining := map[channel.Group]int{}
	for _, g := range o.pools.Groups() {
		remaining[g] = o.pools.Remaining(g)
	}
	o.metrics.trackPool(o.channels, remaining)
}

// Counters returns the processed and applied counts. Only consistent
// after Run returned.
func (o *Orchestrator) Counters() Counters {
	return o.counters
}

// Channels returns copies of all channel descriptors, ordered by id.
func (o *Orchestrator) Channels() []channel.Descriptor {
	r := make([]channel.Descriptor, len(o.channels))
	for i, d := range o.channels {
		r[i] = d.Copy()
	}
	return r
}

// Remaining is the number of untried candidates left for group.
func (o *Orchestrator) Remaining(group channel.Group) int {
	return o.pools.Remaining(group)
}

// Pending returns the untried candidates of every group.
func (o *Orchestrator) Pending() map[channel.Group][]uint32 {
	r := map[channel.Group][]uint32{}
	for _, g := range o.pools.Groups() {
		p, err := o.pools.Pool(g)
		if err != nil {
			continue
		}
		r[g] = p.Pending()
	}
	return r
}

// Acquiring is the number of channels currently searching.
func (o *Orchestrator) Acquiring() int {
	return o.acquiring
}

// MaxAcquiring is the admission cap.
func (o *Orchestrator) MaxAcquiring() int {
	return o.maxAcquiring
}
