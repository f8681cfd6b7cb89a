// Package sigsim synthesizes carrier free baseband sample blocks with
// a set of visible satellites and white Gaussian noise. A Source hands
// out a finite number of blocks and reports once when the budget is
// spent.
package sigsim

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/prncode"
)

var ErrExhausted = errors.New("signal source exhausted")

// Satellite is one ranging signal present in the stream
type Satellite struct {
	Group     channel.Group
	PRN       uint32
	CodeShift uint // code delay in chips
	Amplitude float64
}

func (s Satellite) String() string {
	return fmt.Sprintf("%s%02d@%d", s.Group, s.PRN, s.CodeShift)
}

type Config struct {
	SampleRate float64

	// Noise is the standard deviation of each noise component.
	Noise float64

	// Periods is the number of code periods per block, at least 1.
	Periods int

	// Blocks is the block budget; 0 means unlimited.
	Blocks int

	// Interval paces Next; 0 hands out blocks as fast as asked.
	Interval time.Duration

	Seed    uint64
	Visible []Satellite
}

// Block is one slice of the stream
type Block struct {
	Epoch   uint64
	Samples []complex128
}

type Source struct {
	log *slog.Logger
	cfg Config

	period []complex128 // one noise free code period

	mu     sync.Mutex
	rng    *rand.Rand
	epoch  uint64
	ticker *time.Ticker

	exhausted   sync.Once
	onExhausted func()
}

// New precomputes the noise free signal. onExhausted is called once,
// from the goroutine that first finds the budget spent; it may be nil.
func New(log *slog.Logger, cfg Config, onExhausted func()) (*Source, error) {
	n := prncode.SamplesPerCode(cfg.SampleRate)
	if n < 1 {
		return nil, fmt.Errorf("%w: %g Hz", prncode.ErrSampleRate, cfg.SampleRate)
	}
	if cfg.Periods < 1 {
		cfg.Periods = 1
	}
	if cfg.Blocks < 0 {
		return nil, fmt.Errorf("negative block budget %d", cfg.Blocks)
	}
	if log == nil {
		log = slog.Default()
	}

	period := make([]complex128, n)
	for _, sat := range cfg.Visible {
		code, err := prncode.Sampled(sat.Group, sat.PRN, cfg.SampleRate, sat.CodeShift)
		if err != nil {
			return nil, fmt.Errorf("satellite %s: %w", sat, err)
		}
		amp := sat.Amplitude
		if amp == 0 {
			amp = 1
		}
		for i, c := range code {
			period[i] += c * complex(amp, 0)
		}
	}

	s := &Source{
		log:         log,
		cfg:         cfg,
		period:      period,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		onExhausted: onExhausted,
	}
	if cfg.Interval > 0 {
		s.ticker = time.NewTicker(cfg.Interval)
	}

	log.Debug("signal source ready",
		"visible", len(cfg.Visible),
		"samplesPerBlock", n*cfg.Periods,
		"blocks", cfg.Blocks)

	return s, nil
}

// Visible returns the satellites in the stream
func (s *Source) Visible() []Satellite {
	return append([]Satellite(nil), s.cfg.Visible...)
}

// Delivered is the number of blocks handed out so far.
func (s *Source) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Next returns the next block, waiting for the pacing interval. After
// the budget is spent it returns ErrExhausted.
func (s *Source) Next(ctx context.Context) (Block, error) {
	if s.ticker != nil {
		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case <-s.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Block{}, err
	}

	s.mu.Lock()
	if s.cfg.Blocks > 0 && s.epoch >= uint64(s.cfg.Blocks) {
		s.mu.Unlock()
		s.exhaust()
		return Block{}, ErrExhausted
	}
	s.epoch++
	b := Block{
		Epoch:   s.epoch,
		Samples: make([]complex128, len(s.period)*s.cfg.Periods),
	}
	for i := range b.Samples {
		c := s.period[i%len(s.period)]
		if s.cfg.Noise > 0 {
			c += complex(s.rng.NormFloat64()*s.cfg.Noise, s.rng.NormFloat64()*s.cfg.Noise)
		}
		b.Samples[i] = c
	}
	s.mu.Unlock()

	return b, nil
}

func (s *Source) exhaust() {
	s.exhausted.Do(func() {
		s.log.Info("signal source exhausted", "blocks", s.cfg.Blocks)
		if s.onExhausted != nil {
			s.onExhausted()
		}
	})
}

// Close releases the pacing ticker.
func (s *Source) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// Sky draws count distinct visible satellites among prns of group with
// random code delays, deterministic for seed.
func Sky(seed uint64, group channel.Group, prns []uint32, count int) ([]Satellite, error) {
	length, err := prncode.Length(group)
	if err != nil {
		return nil, err
	}
	if count > len(prns) {
		count = len(prns)
	}
	if count <= 0 {
		return nil, nil
	}

	h := fnv.New64a()
	h.Write([]byte(group))
	rng := rand.New(rand.NewPCG(seed, h.Sum64()))
	picked := append([]uint32(nil), prns...)
	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })

	sats := make([]Satellite, count)
	for i := range sats {
		sats[i] = Satellite{
			Group:     group,
			PRN:       picked[i],
			CodeShift: uint(rng.IntN(length)),
			Amplitude: 1,
		}
	}
	return sats, nil
}
