// Package report builds the end of run summary of the receiver and
// renders it as text, as JSON or as a retained MQTT message.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"

	"go.ntppool.org/gnssrx/acquisition"
	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/control"
)

// Channel is the final state of one receiver channel
type Channel struct {
	ID    uint32        `json:"id"`
	Group channel.Group `json:"group"`
	State string        `json:"state"`
	PRN   *uint32       `json:"prn,omitempty"`

	// last search on the channel
	CodeChips *float64 `json:"code_chips,omitempty"`
	PeakRatio *float64 `json:"peak_ratio,omitempty"`
}

// Report is the snapshot taken after the control loop stopped
type Report struct {
	RunID   string        `json:"run_id"`
	Version string        `json:"version"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
	Err     string        `json:"error,omitempty"`

	Counters control.Counters `json:"-"`

	Channels  []Channel                  `json:"channels"`
	Remaining map[channel.Group]int      `json:"remaining"`
	Pending   map[channel.Group][]uint32 `json:"pending,omitempty"`

	TelemetrySent    uint64 `json:"telemetry_sent,omitempty"`
	TelemetryDropped uint64 `json:"telemetry_dropped,omitempty"`
}

// Snapshot is what the report needs from the orchestrator
type Snapshot interface {
	Counters() control.Counters
	Channels() []channel.Descriptor
	Pending() map[channel.Group][]uint32
}

// New collects the report. results holds the last search of each
// channel and may be nil.
func New(runID, version string, started time.Time, snap Snapshot, results map[uint32]acquisition.Result) *Report {
	r := &Report{
		RunID:     runID,
		Version:   version,
		Started:   started,
		Elapsed:   time.Since(started),
		Counters:  snap.Counters(),
		Remaining: map[channel.Group]int{},
		Pending:   snap.Pending(),
	}

	for g, p := range r.Pending {
		r.Remaining[g] = len(p)
	}

	for _, d := range snap.Channels() {
		c := Channel{
			ID:    d.ID,
			Group: d.Group,
			State: d.State.String(),
			PRN:   d.PRN,
		}
		if res, ok := results[d.ID]; ok && d.PRN != nil && res.PRN == *d.PRN {
			chips, ratio := res.CodeChips, res.PeakRatio
			c.CodeChips = &chips
			// json has no encoding for Inf or NaN
			if !math.IsInf(ratio, 0) && !math.IsNaN(ratio) {
				c.PeakRatio = &ratio
			}
		}
		r.Channels = append(r.Channels, c)
	}

	return r
}

// Tracking returns the channels that reached Tracking
func (r *Report) Tracking() []Channel {
	var t []Channel
	for _, c := range r.Channels {
		if c.State == channel.Tracking.String() {
			t = append(t, c)
		}
	}
	return t
}

// MarshalJSON flattens the counters and reports the elapsed time in
// seconds.
func (r *Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(&struct {
		*plain
		Elapsed   float64 `json:"elapsed"`
		Processed uint64  `json:"processed_messages"`
		Applied   uint64  `json:"applied_actions"`
	}{
		plain:     (*plain)(r),
		Elapsed:   r.Elapsed.Seconds(),
		Processed: r.Counters.Processed,
		Applied:   r.Counters.Applied,
	})
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// WriteText writes a human readable summary to w.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder

	b.WriteString(heredoc.Docf(`
		run %s (%s)
		  processed messages: %d
		  applied actions:    %d
		  elapsed:            %s
		`,
		r.RunID, r.Version,
		r.Counters.Processed,
		r.Counters.Applied,
		r.Elapsed.Round(time.Millisecond),
	))
	if r.Err != "" {
		fmt.Fprintf(&b, "  error:              %s\n", r.Err)
	}

	b.WriteString("\nchannels:\n")
	for _, c := range r.Channels {
		prn := "-"
		if c.PRN != nil {
			prn = fmt.Sprintf("%02d", *c.PRN)
		}
		fmt.Fprintf(&b, "  %3d %-4s %-10s prn %s", c.ID, c.Group, c.State, prn)
		if c.CodeChips != nil {
			fmt.Fprintf(&b, "  phase %8.1f chips", *c.CodeChips)
		}
		if c.PeakRatio != nil {
			fmt.Fprintf(&b, "  ratio %6.2f", *c.PeakRatio)
		}
		b.WriteString("\n")
	}

	groups := make([]string, 0, len(r.Remaining))
	for g := range r.Remaining {
		groups = append(groups, string(g))
	}
	sort.Strings(groups)

	b.WriteString("\nremaining candidates:\n")
	for _, g := range groups {
		fmt.Fprintf(&b, "  %-4s %d\n", g, r.Remaining[channel.Group(g)])
	}

	if r.TelemetrySent > 0 || r.TelemetryDropped > 0 {
		fmt.Fprintf(&b, "\ntelemetry: %d sent, %d dropped\n", r.TelemetrySent, r.TelemetryDropped)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
