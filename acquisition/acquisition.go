// Package acquisition searches a block of baseband samples for one PRN
// with an FFT based parallel code phase search. Samples are expected
// carrier free. The decision statistic is the ratio of the correlation peak to
// the strongest value outside the peak's neighborhood.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/prncode"
)

var (
	ErrShortBlock = errors.New("sample block shorter than one code period")

	// ErrPeakSeparation means a code period has too few samples to
	// search for a second peak outside the main peak's neighborhood.
	ErrPeakSeparation = errors.New("sampling rate too low to separate correlation peaks")
)

const DefaultThreshold = 2.5

// Config for an Acquirer. A zero Threshold selects DefaultThreshold.
type Config struct {
	SampleRate float64
	Threshold  float64
}

// Result of one search
type Result struct {
	Group    channel.Group
	PRN      uint32
	Acquired bool

	// CodePhase is the delay of the code in samples, CodeChips the same
	// in chips.
	CodePhase int
	CodeChips float64

	PeakRatio float64
	Periods   int
}

// Acquirer is not safe for concurrent use; every channel worker keeps
// its own.
type Acquirer struct {
	cfg     Config
	samples int
	fft     *fourier.CmplxFFT

	// replicas caches the conjugated spectrum of each code.
	replicas map[replicaKey][]complex128

	spec, prod, corr []complex128
	power            []float64
}

type replicaKey struct {
	group channel.Group
	prn   uint32
}

func New(cfg Config) (*Acquirer, error) {
	if err := CheckSampleRate(cfg.SampleRate); err != nil {
		return nil, err
	}
	n := prncode.SamplesPerCode(cfg.SampleRate)
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}

	a := &Acquirer{
		cfg:      cfg,
		samples:  n,
		fft:      fourier.NewCmplxFFT(n),
		replicas: map[replicaKey][]complex128{},
		spec:     make([]complex128, n),
		prod:     make([]complex128, n),
		corr:     make([]complex128, n),
		power:    make([]float64, n),
	}
	return a, nil
}

// SamplesPerCode is the length of one code period at the configured
// sampling rate.
func (a *Acquirer) SamplesPerCode() int {
	return a.samples
}

// Threshold is the configured peak ratio threshold.
func (a *Acquirer) Threshold() float64 {
	return a.cfg.Threshold
}

func (a *Acquirer) replica(group channel.Group, prn uint32) ([]complex128, error) {
	key := replicaKey{group, prn}
	if r, ok := a.replicas[key]; ok {
		return r, nil
	}

	code, err := prncode.Sampled(group, prn, a.cfg.SampleRate, 0)
	if err != nil {
		return nil, err
	}
	r := a.fft.Coefficients(nil, code)
	for i := range r {
		r[i] = cmplx.Conj(r[i])
	}
	a.replicas[key] = r
	return r, nil
}

// Search looks for prn in block. Whole code periods of block are
// accumulated non-coherently; a trailing partial period is ignored.
func (a *Acquirer) Search(ctx context.Context, group channel.Group, prn uint32, block []complex128) (Result, error) {
	res := Result{Group: group, PRN: prn}

	periods := len(block) / a.samples
	if periods == 0 {
		return res, fmt.Errorf("%w: %d < %d samples", ErrShortBlock, len(block), a.samples)
	}
	res.Periods = periods

	replica, err := a.replica(group, prn)
	if err != nil {
		return res, err
	}
	chipRate, err := prncode.ChipRate(group)
	if err != nil {
		return res, err
	}

	clear(a.power)
	for p := 0; p < periods; p++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a.correlate(block[p*a.samples:(p+1)*a.samples], replica)
	}

	peak, idx := maxAt(a.power, -1, 0)
	second, _ := maxAt(a.power, idx, exclusion(a.cfg.SampleRate, chipRate))

	res.CodePhase = idx
	res.CodeChips = float64(idx) * chipRate / a.cfg.SampleRate

	// a flat or silent surface has no peak to compare
	if peak <= 0 || second <= 0 {
		return res, nil
	}
	res.PeakRatio = peak / second
	res.Acquired = res.PeakRatio >= a.cfg.Threshold

	return res, nil
}

// CheckSampleRate returns an error unless a code period at fs leaves
// bins outside the main peak's neighborhood for every group.
func CheckSampleRate(fs float64) error {
	n := prncode.SamplesPerCode(fs)
	if n < 1 {
		return fmt.Errorf("%w: %g Hz", prncode.ErrSampleRate, fs)
	}
	for _, group := range []channel.Group{channel.GroupGPS, channel.GroupBeiDou} {
		chipRate, err := prncode.ChipRate(group)
		if err != nil {
			return err
		}
		if ex := exclusion(fs, chipRate); n <= 2*ex+1 {
			return fmt.Errorf("%w: %s needs more than %d samples per period, got %d at %g Hz",
				ErrPeakSeparation, group, 2*ex+1, n, fs)
		}
	}
	return nil
}

// exclusion is the neighborhood in samples around the main peak that
// the second peak search skips.
func exclusion(fs, chipRate float64) int {
	return 2*int(math.Ceil(fs/chipRate)) + 1
}

// correlate adds the circular correlation power of one period with the
// replica to a.power.
func (a *Acquirer) correlate(period, replica []complex128) {
	a.fft.Coefficients(a.spec, period)
	for i := range a.spec {
		a.prod[i] = a.spec[i] * replica[i]
	}
	a.fft.Sequence(a.corr, a.prod)

	for i, c := range a.corr {
		a.power[i] += real(c)*real(c) + imag(c)*imag(c)
	}
}

// maxAt returns the largest value of power and its index, skipping
// indexes within exclude samples (circularly) of skip when skip >= 0.
func maxAt(power []float64, skip, exclude int) (float64, int) {
	n := len(power)
	best, at := -1.0, 0
	for i, v := range power {
		if skip >= 0 {
			d := i - skip
			if d < 0 {
				d = -d
			}
			if d > n/2 {
				d = n - d
			}
			if d <= exclude {
				continue
			}
		}
		if v > best {
			best, at = v, i
		}
	}
	return best, at
}
