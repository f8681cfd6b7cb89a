package control

import (
	"github.com/prometheus/client_golang/prometheus"

	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/controlq"
)

// Action labels for the actions counter
const (
	actionTrack   = "track"
	actionPromote = "promote"
	actionRetry   = "retry"
	actionRelease = "release"
)

// Metrics contains the prometheus metrics for the control loop
type Metrics struct {
	Messages   *prometheus.CounterVec
	Actions    *prometheus.CounterVec
	Stale      *prometheus.CounterVec
	Channels   *prometheus.GaugeVec
	Candidates *prometheus.GaugeVec
}

// NewMetrics creates and registers the control loop metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gnssrx_control_messages_total",
				Help: "Control messages processed, by event",
			},
			[]string{"event"},
		),

		Actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gnssrx_control_actions_total",
				Help: "Channel transitions applied, by action",
			},
			[]string{"action", "group"},
		),

		Stale: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gnssrx_control_stale_events_total",
				Help: "Notifications ignored because the channel was not acquiring the reported assignment",
			},
			[]string{"event"},
		),

		Channels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gnssrx_channels",
				Help: "Number of channels in each state",
			},
			[]string{"state"},
		),

		Candidates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gnssrx_candidates_remaining",
				Help: "Candidates not yet attempted, per group",
			},
			[]string{"group"},
		),
	}

	reg.MustRegister(
		m.Messages,
		m.Actions,
		m.Stale,
		m.Channels,
		m.Candidates,
	)

	return m
}

func (m *Metrics) trackMessage(ev controlq.Event) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(ev.String()).Inc()
}

func (m *Metrics) trackAction(action string, group channel.Group) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, string(group)).Inc()
}

func (m *Metrics) trackStale(ev controlq.Event) {
	if m == nil {
		return
	}
	m.Stale.WithLabelValues(ev.String()).Inc()
}

// trackPool updates the channel state and candidate gauges
func (m *Metrics) trackPool(channels []*channel.Descriptor, remaining map[channel.Group]int) {
	if m == nil {
		return
	}
	counts := map[channel.State]int{}
	for _, d := range channels {
		counts[d.State]++
	}
	for _, s := range []channel.State{channel.Standby, channel.Acquiring, channel.Tracking} {
		m.Channels.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
	for g, n := range remaining {
		m.Candidates.WithLabelValues(string(g)).Set(float64(n))
	}
}
