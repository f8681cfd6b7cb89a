package receiver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.ntppool.org/gnssrx/acquisition"
	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/control"
	"go.ntppool.org/gnssrx/report"
)

var ErrConfig = errors.New("invalid receiver configuration")

// Config is everything one receiver run needs
type Config struct {
	Name string

	// channel layout; GPS channels get the low ids
	GPSChannels  int
	BDSChannels  int
	MaxAcquiring int

	GPSCandidates []uint32
	BDSCandidates []uint32

	// simulated sky
	GPSVisible int
	BDSVisible int
	Seed       uint64

	SampleRate    float64
	Noise         float64
	Threshold     float64
	Periods       int
	Blocks        int
	BlockInterval time.Duration

	TelemetryAddr string
	MetricsPort   int

	MQTT *report.MQTTConfig
}

func (c Config) Validate() error {
	if c.GPSChannels < 0 || c.BDSChannels < 0 || c.GPSChannels+c.BDSChannels == 0 {
		return fmt.Errorf("%w: need at least one channel", ErrConfig)
	}
	if c.MaxAcquiring < 1 {
		return fmt.Errorf("%w: in-acquisition must be at least 1", ErrConfig)
	}
	if err := acquisition.CheckSampleRate(c.SampleRate); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	for g, prns := range c.candidates() {
		for _, prn := range prns {
			if prn == 0 {
				return fmt.Errorf("%w: %s prn 0", ErrConfig, g)
			}
		}
	}
	return nil
}

func (c Config) candidates() map[channel.Group][]uint32 {
	m := map[channel.Group][]uint32{}
	if c.GPSChannels > 0 {
		m[channel.GroupGPS] = c.GPSCandidates
	}
	if c.BDSChannels > 0 {
		m[channel.GroupBeiDou] = c.BDSCandidates
	}
	return m
}

// Layout builds the orchestrator bootstrap input.
func (c Config) Layout() control.Layout {
	groups := make([]channel.Group, 0, c.GPSChannels+c.BDSChannels)
	for range c.GPSChannels {
		groups = append(groups, channel.GroupGPS)
	}
	for range c.BDSChannels {
		groups = append(groups, channel.GroupBeiDou)
	}
	return control.Layout{
		Channels:     groups,
		Candidates:   c.candidates(),
		MaxAcquiring: c.MaxAcquiring,
	}
}

// ParseRanges parses a PRN list like "1-5,9,12-14". Order is kept, so
// "5-1" counts down.
func ParseRanges(s string) ([]uint32, error) {
	var r []uint32
	s = strings.TrimSpace(s)
	if s == "" {
		return r, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		first, err := parsePRN(lo)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		if !isRange {
			r = append(r, first)
			continue
		}
		last, err := parsePRN(hi)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}

		if first <= last {
			for p := first; p <= last; p++ {
				r = append(r, p)
			}
		} else {
			for p := first; p >= last; p-- {
				r = append(r, p)
			}
		}
	}
	return r, nil
}

func parsePRN(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("prn must be positive")
	}
	return uint32(n), nil
}
