package control

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/controlq"
	"go.ntppool.org/gnssrx/testutil"
)

func gpsLayout(channels, maxAcquiring, candidates int) Layout {
	return Layout{
		Channels: testutil.Groups(channel.GroupGPS, channels),
		Candidates: map[channel.Group][]uint32{
			channel.GroupGPS: testutil.PRNs(1, candidates),
		},
		MaxAcquiring: maxAcquiring,
	}
}

func newTestOrchestrator(t *testing.T, layout Layout) (*Orchestrator, *controlq.Queue, *testutil.RecordingDispatcher) {
	t.Helper()
	q := controlq.New()
	rec := &testutil.RecordingDispatcher{}
	o, err := New(testutil.NewTestLogger(t).Logger(), q, layout, rec, nil)
	require.NoError(t, err)
	return o, q, rec
}

func countState(chs []channel.Descriptor, s channel.State) int {
	n := 0
	for _, d := range chs {
		if d.State == s {
			n++
		}
	}
	return n
}

func TestBootstrap(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, gpsLayout(4, 2, 6))

	chs := o.Channels()
	require.Len(t, chs, 4)

	assert.Equal(t, channel.Acquiring, chs[0].State)
	assert.Equal(t, uint32(1), *chs[0].PRN)
	assert.Equal(t, channel.Acquiring, chs[1].State)
	assert.Equal(t, uint32(2), *chs[1].PRN)
	assert.Equal(t, channel.Standby, chs[2].State)
	assert.Equal(t, channel.Standby, chs[3].State)

	for _, d := range chs {
		require.NoError(t, d.Validate())
	}

	assert.Equal(t, 4, o.Remaining(channel.GroupGPS))
	assert.Equal(t, 2, o.Acquiring())
	assert.Equal(t, Counters{}, o.Counters())
}

func TestBootstrapGroups(t *testing.T) {
	layout := Layout{
		Channels: []channel.Group{channel.GroupGPS, channel.GroupBeiDou, channel.GroupGPS, channel.GroupBeiDou},
		Candidates: map[channel.Group][]uint32{
			channel.GroupGPS:    {3, 5},
			channel.GroupBeiDou: {11},
		},
		MaxAcquiring: 3,
	}
	o, _, _ := newTestOrchestrator(t, layout)
	chs := o.Channels()

	assert.Equal(t, uint32(3), *chs[0].PRN)
	assert.Equal(t, uint32(11), *chs[1].PRN)
	assert.Equal(t, uint32(5), *chs[2].PRN)
	assert.Equal(t, channel.Standby, chs[3].State, "BDS pool is empty")
	assert.Equal(t, 3, o.Acquiring())
}

func TestNewInvalidLayout(t *testing.T) {
	q := controlq.New()

	tests := []struct {
		name   string
		inbox  Inbox
		layout Layout
	}{
		{"no_queue", nil, gpsLayout(1, 1, 1)},
		{"no_channels", q, gpsLayout(0, 1, 1)},
		{"zero_cap", q, gpsLayout(2, 0, 1)},
		{"duplicate_candidates", q, Layout{
			Channels:     testutil.Groups(channel.GroupGPS, 1),
			Candidates:   map[channel.Group][]uint32{channel.GroupGPS: {1, 1}},
			MaxAcquiring: 1,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, tt.inbox, tt.layout, nil, nil)
			assert.True(t, errors.Is(err, ErrInvalidLayout), "got %v", err)
		})
	}
}

// Two channels, one admission slot: channel 0's success promotes
// channel 1; channel 1's queued success predates its admission.
func TestScenarioTwoChannels(t *testing.T) {
	o, q, rec := newTestOrchestrator(t, gpsLayout(2, 1, 2))

	testutil.Script(t, q,
		controlq.Succeeded(0),
		controlq.Succeeded(1),
		controlq.StopMessage(),
	)

	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, Counters{Processed: 3, Applied: 1}, o.Counters())

	chs := o.Channels()
	assert.Equal(t, channel.Tracking, chs[0].State)
	assert.Equal(t, channel.Acquiring, chs[1].State)
	assert.Equal(t, uint32(2), *chs[1].PRN)

	assert.Equal(t, []testutil.Assignment{
		{Channel: 0, Group: channel.GroupGPS, PRN: 1},
		{Channel: 1, Group: channel.GroupGPS, PRN: 2},
	}, rec.Assignments())
}

// Four channels, one admission slot: only channel 0 was acquiring when
// the events were raised.
func TestScenarioFourChannels(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(4, 1, 4))

	testutil.Script(t, q,
		controlq.Succeeded(0),
		controlq.Succeeded(2),
		controlq.Succeeded(1),
		controlq.Succeeded(3),
		controlq.StopMessage(),
	)

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, Counters{Processed: 5, Applied: 1}, o.Counters())

	chs := o.Channels()
	assert.Equal(t, channel.Tracking, chs[0].State)
	assert.Equal(t, channel.Acquiring, chs[1].State)
	assert.Equal(t, channel.Standby, chs[2].State)
	assert.Equal(t, channel.Standby, chs[3].State)
}

func TestScenarioFailureExhausted(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(1, 1, 1))

	testutil.Script(t, q, controlq.Failed(0), controlq.StopMessage())

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, Counters{Processed: 2, Applied: 1}, o.Counters())

	d := o.Channels()[0]
	assert.Equal(t, channel.Standby, d.State)
	assert.Nil(t, d.PRN)
	assert.Equal(t, 0, o.Acquiring())
}

func TestFailureRetry(t *testing.T) {
	o, q, rec := newTestOrchestrator(t, gpsLayout(1, 1, 3))

	testutil.Script(t, q, controlq.Failed(0), controlq.StopMessage())
	require.NoError(t, o.Run(context.Background()))

	d := o.Channels()[0]
	assert.Equal(t, channel.Acquiring, d.State)
	assert.Equal(t, uint32(2), *d.PRN)
	assert.Equal(t, uint64(2), d.Since)
	assert.Equal(t, 1, o.Remaining(channel.GroupGPS))
	assert.Equal(t, Counters{Processed: 2, Applied: 1}, o.Counters())
	assert.Len(t, rec.Assignments(), 2)
}

// Events raised after an assignment apply to it; a run driven by a live
// producer walks the whole pool.
func TestLiveProducer(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(1, 1, 3))

	// every assignment fails, the producer answers after seeing it
	d := &replyDispatcher{q: q, event: controlq.AcquisitionFailed}
	o.dispatch = d

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	require.Eventually(t, func() bool { return d.count() == 3 }, 2*time.Second, time.Millisecond)

	// the third failure is queued before this Stop
	testutil.Script(t, q, controlq.StopMessage())

	require.NoError(t, <-done)
	assert.Equal(t, Counters{Processed: 4, Applied: 3}, o.Counters())
	assert.Equal(t, channel.Standby, o.Channels()[0].State)
}

type replyDispatcher struct {
	q     *controlq.Queue
	event controlq.Event
	n     atomic.Int32
}

// Assign answers synchronously; Enqueue never waits for the consumer.
func (r *replyDispatcher) Assign(id uint32, _ channel.Group, _ uint32) {
	r.q.Enqueue(controlq.Message{Channel: id, Event: r.event})
	r.n.Add(1)
}

func (r *replyDispatcher) count() int {
	return int(r.n.Load())
}

func TestAllChannelsAdmitted(t *testing.T) {
	o, q, rec := newTestOrchestrator(t, gpsLayout(3, 5, 5))

	for _, d := range o.Channels() {
		require.Equal(t, channel.Acquiring, d.State)
	}

	testutil.Script(t, q,
		controlq.Succeeded(2),
		controlq.Succeeded(0),
		controlq.Succeeded(1),
		controlq.StopMessage(),
	)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, Counters{Processed: 4, Applied: 3}, o.Counters())
	assert.Equal(t, 3, countState(o.Channels(), channel.Tracking))
	assert.Len(t, rec.Assignments(), 3, "no promotions without standby channels")
	assert.Equal(t, 2, o.Remaining(channel.GroupGPS))
}

func TestReplayIsIdempotent(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(2, 2, 2))

	testutil.Script(t, q,
		controlq.Succeeded(0),
		controlq.Succeeded(0),
		controlq.Failed(0),
		controlq.StopMessage(),
	)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, Counters{Processed: 4, Applied: 1}, o.Counters())
	chs := o.Channels()
	assert.Equal(t, channel.Tracking, chs[0].State)
	assert.Equal(t, uint32(1), *chs[0].PRN)
	assert.Equal(t, channel.Acquiring, chs[1].State)
}

func TestStopEndsRun(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(2, 1, 2))

	testutil.Script(t, q,
		controlq.StopMessage(),
		controlq.Succeeded(0),
		controlq.Message{Channel: 99, Event: controlq.AcquisitionFailed},
	)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, Counters{Processed: 1, Applied: 0}, o.Counters())
	assert.Equal(t, 2, q.Len(), "messages after stop stay queued")
	assert.Equal(t, channel.Acquiring, o.Channels()[0].State)

	assert.True(t, errors.Is(o.Run(context.Background()), ErrStopped))
}

func TestUnknownChannel(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(2, 1, 2))

	testutil.Script(t, q,
		controlq.Message{Channel: 2, Event: controlq.AcquisitionSucceeded},
		controlq.StopMessage(),
	)
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownChannel))
	assert.False(t, errors.Is(err, ErrQueueClosed))
	assert.Equal(t, uint64(1), o.Counters().Processed)
}

func TestUnknownEvent(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(1, 1, 1))

	testutil.Script(t, q, controlq.Message{Channel: 0, Event: controlq.Event(17)})
	err := o.Run(context.Background())
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestQueueClosedBeforeStop(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(2, 1, 2))

	testutil.Script(t, q, controlq.Succeeded(0))
	q.Close()

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueClosed))
	assert.True(t, errors.Is(err, controlq.ErrClosed))
	assert.False(t, errors.Is(err, ErrUnknownChannel))
	assert.Equal(t, Counters{Processed: 1, Applied: 1}, o.Counters())
}

func TestRunIgnoresCancel(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(1, 1, 1))

	done := make(chan error, 1)
	go func() { done <- o.Run(testutil.ClosedContext()) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned on cancel: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	testutil.Script(t, q, controlq.StopMessage())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPromotionLowestStandby(t *testing.T) {
	layout := Layout{
		Channels: []channel.Group{channel.GroupGPS, channel.GroupBeiDou, channel.GroupGPS},
		Candidates: map[channel.Group][]uint32{
			channel.GroupGPS:    {1, 2},
			channel.GroupBeiDou: {7, 8},
		},
		MaxAcquiring: 1,
	}
	o, q, rec := newTestOrchestrator(t, layout)

	testutil.Script(t, q, controlq.Succeeded(0), controlq.StopMessage())
	require.NoError(t, o.Run(context.Background()))

	chs := o.Channels()
	assert.Equal(t, channel.Tracking, chs[0].State)
	assert.Equal(t, channel.Acquiring, chs[1].State, "slot goes to the lowest standby id of any group")
	assert.Equal(t, uint32(7), *chs[1].PRN)
	assert.Equal(t, channel.Standby, chs[2].State)
	assert.Equal(t, 1, o.Remaining(channel.GroupGPS))
	assert.Equal(t, 1, o.Remaining(channel.GroupBeiDou))

	assert.Equal(t, []testutil.Assignment{
		{Channel: 0, Group: channel.GroupGPS, PRN: 1},
		{Channel: 1, Group: channel.GroupBeiDou, PRN: 7},
	}, rec.Assignments())
}

func TestPromotionSkipsEmptyGroup(t *testing.T) {
	layout := Layout{
		Channels: []channel.Group{channel.GroupGPS, channel.GroupBeiDou, channel.GroupGPS},
		Candidates: map[channel.Group][]uint32{
			channel.GroupGPS: {1, 2},
		},
		MaxAcquiring: 1,
	}
	o, q, _ := newTestOrchestrator(t, layout)

	testutil.Script(t, q, controlq.Succeeded(0), controlq.StopMessage())
	require.NoError(t, o.Run(context.Background()))

	chs := o.Channels()
	assert.Equal(t, channel.Standby, chs[1].State)
	assert.Equal(t, channel.Acquiring, chs[2].State)
	assert.Equal(t, uint32(2), *chs[2].PRN)
	assert.Equal(t, Counters{Processed: 2, Applied: 1}, o.Counters())
}

// GPS channels take every bootstrap slot; the slots they free on
// success have to reach the BeiDou channels.
func TestMixedGroupsShareSlots(t *testing.T) {
	layout := Layout{
		Channels: []channel.Group{channel.GroupGPS, channel.GroupGPS, channel.GroupBeiDou, channel.GroupBeiDou},
		Candidates: map[channel.Group][]uint32{
			channel.GroupGPS:    testutil.PRNs(1, 4),
			channel.GroupBeiDou: testutil.PRNs(1, 4),
		},
		MaxAcquiring: 2,
	}
	o, q, rec := newTestOrchestrator(t, layout)

	var idle atomic.Int32
	o.OnIdle(func() {
		idle.Add(1)
		q.Enqueue(controlq.StopMessage())
	})

	testutil.Script(t, q, controlq.Succeeded(0), controlq.Succeeded(1), controlq.StopMessage())
	require.NoError(t, o.Run(context.Background()))

	chs := o.Channels()
	assert.Equal(t, channel.Tracking, chs[0].State)
	assert.Equal(t, channel.Tracking, chs[1].State)
	for _, id := range []int{2, 3} {
		assert.Equal(t, channel.Acquiring, chs[id].State, "channel %d", id)
		require.NoError(t, chs[id].Validate())
	}
	assert.Equal(t, uint32(1), *chs[2].PRN)
	assert.Equal(t, uint32(2), *chs[3].PRN)

	assert.Equal(t, int32(0), idle.Load())
	assert.Equal(t, 2, o.Acquiring())
	assert.Equal(t, 2, o.Remaining(channel.GroupGPS))
	assert.Equal(t, 2, o.Remaining(channel.GroupBeiDou))
	assert.Equal(t, Counters{Processed: 3, Applied: 2}, o.Counters())
	assert.Len(t, rec.Assignments(), 4)
}

func TestReleaseHandsSlotOn(t *testing.T) {
	layout := Layout{
		Channels: []channel.Group{channel.GroupGPS, channel.GroupBeiDou},
		Candidates: map[channel.Group][]uint32{
			channel.GroupGPS:    {1},
			channel.GroupBeiDou: {7},
		},
		MaxAcquiring: 1,
	}
	o, q, _ := newTestOrchestrator(t, layout)

	testutil.Script(t, q, controlq.Failed(0), controlq.StopMessage())
	require.NoError(t, o.Run(context.Background()))

	chs := o.Channels()
	assert.Equal(t, channel.Standby, chs[0].State)
	assert.Nil(t, chs[0].PRN)
	assert.Equal(t, channel.Acquiring, chs[1].State)
	assert.Equal(t, uint32(7), *chs[1].PRN)
	assert.Equal(t, Counters{Processed: 2, Applied: 1}, o.Counters())
}

// Random scripts never break the admission cap, the descriptor
// invariant or applied <= processed.
func TestRandomScriptsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 200; run++ {
		channels := 1 + rng.IntN(8)
		maxAcq := 1 + rng.IntN(4)
		cands := rng.IntN(12)

		q := controlq.New()
		o, err := New(testutil.NewTestLogger(t).Logger(), q, gpsLayout(channels, maxAcq, cands), nil, nil)
		require.NoError(t, err)

		// feed one message at a time so the state can be inspected
		for i := 0; i < 40; i++ {
			ev := controlq.AcquisitionSucceeded
			if rng.IntN(2) == 0 {
				ev = controlq.AcquisitionFailed
			}
			msg, err := q.Enqueue(controlq.Message{Channel: uint32(rng.IntN(channels)), Event: ev})
			require.NoError(t, err)

			got, err := q.Dequeue(context.Background())
			require.NoError(t, err)
			require.Equal(t, msg, got)

			o.counters.Processed++
			_, err = o.handle(context.Background(), got)
			require.NoError(t, err)

			chs := o.Channels()
			require.LessOrEqual(t, countState(chs, channel.Acquiring), maxAcq)
			require.Equal(t, countState(chs, channel.Acquiring), o.Acquiring())
			require.LessOrEqual(t, o.Counters().Applied, o.Counters().Processed)
			for _, d := range chs {
				require.NoError(t, d.Validate())
			}
		}
	}
}

func TestCandidatesNeverShared(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(4, 2, 8))

	testutil.Script(t, q,
		controlq.Failed(0),
		controlq.Succeeded(1),
	)
	for q.Len() > 0 {
		m, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		_, err = o.handle(context.Background(), m)
		require.NoError(t, err)
	}

	seen := map[uint32]bool{}
	for _, d := range o.Channels() {
		if d.PRN == nil {
			continue
		}
		assert.False(t, seen[*d.PRN], "prn %d assigned twice", *d.PRN)
		seen[*d.PRN] = true
	}
	for _, prn := range o.Pending()[channel.GroupGPS] {
		assert.False(t, seen[prn], "prn %d both assigned and pending", prn)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	q := controlq.New()
	o, err := New(testutil.NewTestLogger(t).Logger(), q, gpsLayout(2, 1, 2), nil, m)
	require.NoError(t, err)

	testutil.Script(t, q,
		controlq.Succeeded(0),
		controlq.Succeeded(1),
		controlq.StopMessage(),
	)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Messages.WithLabelValues("acquisition_succeeded")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Messages.WithLabelValues("stop")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Actions.WithLabelValues(actionTrack, "GPS")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Actions.WithLabelValues(actionPromote, "GPS")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Stale.WithLabelValues("acquisition_succeeded")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Channels.WithLabelValues("tracking")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Channels.WithLabelValues("acquiring")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.Candidates.WithLabelValues("GPS")))
}

func TestOnIdle(t *testing.T) {
	o, q, _ := newTestOrchestrator(t, gpsLayout(2, 1, 1))

	var idle atomic.Int32
	o.OnIdle(func() {
		idle.Add(1)
		_, err := q.Enqueue(controlq.StopMessage())
		assert.NoError(t, err)
	})

	testutil.Script(t, q, controlq.Failed(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	assert.Equal(t, int32(1), idle.Load())
	assert.Equal(t, Counters{Processed: 2, Applied: 1}, o.Counters())
	assert.Equal(t, 0, countState(o.Channels(), channel.Acquiring))
}

func TestOnIdleAtBootstrap(t *testing.T) {
	layout := gpsLayout(2, 1, 0)
	o, q, rec := newTestOrchestrator(t, layout)

	o.OnIdle(func() {
		q.Enqueue(controlq.StopMessage())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	assert.Empty(t, rec.Assignments())
	assert.Equal(t, Counters{Processed: 1}, o.Counters())
}
