// Package prncode generates the spreading codes of GPS L1 C/A and
// BeiDou B1I and resamples them to a receiver sampling rate.
//
// PRN to G2 phase selection is a static table checked when the package
// is loaded; asking for a PRN outside the table returns ErrUnknownPRN.
package prncode

import (
	"errors"
	"fmt"

	"go.ntppool.org/gnssrx/channel"
)

var (
	ErrUnknownPRN   = errors.New("no code defined for prn")
	ErrUnknownGroup = errors.New("no ranging code for group")
	ErrSampleRate   = errors.New("sampling rate below one sample per code period")
)

// codePeriodsPerSecond is 1000 for every supported code (1 ms period).
const codePeriodsPerSecond = 1000

func lookup(group channel.Group, prn uint32) (*register, [2]int, error) {
	r, ok := registers[group]
	if !ok {
		return nil, [2]int{}, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	phase, ok := r.phases[prn]
	if !ok {
		return nil, [2]int{}, fmt.Errorf("%w: %s %d", ErrUnknownPRN, group, prn)
	}
	return r, phase, nil
}

// Length is the number of chips in one period of the group's code.
func Length(group channel.Group) (int, error) {
	r, ok := registers[group]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return r.length, nil
}

// ChipRate is the chipping rate of the group's code in Hz.
func ChipRate(group channel.Group) (float64, error) {
	r, ok := registers[group]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return r.chipRate, nil
}

// PRNs lists the PRNs the group has codes for, ascending.
func PRNs(group channel.Group) []uint32 {
	r, ok := registers[group]
	if !ok {
		return nil
	}
	prns := make([]uint32, 0, len(r.phases))
	for prn := uint32(1); len(prns) < len(r.phases); prn++ {
		if _, ok := r.phases[prn]; ok {
			prns = append(prns, prn)
		}
	}
	return prns
}

// Bits returns one code period as logic values, delayed by chipShift
// chips.
func Bits(group channel.Group, prn uint32, chipShift uint) ([]uint8, error) {
	r, phase, err := lookup(group, prn)
	if err != nil {
		return nil, err
	}

	n := r.length
	g1 := append([]uint8(nil), r.init...)
	g2 := append([]uint8(nil), r.init...)
	code := make([]uint8, n)

	for i := 0; i < n; i++ {
		code[i] = g1[r.stages-1] ^ g2[phase[0]-1] ^ g2[phase[1]-1]
		shift(g1, r.g1Taps)
		shift(g2, r.g2Taps)
	}

	delay := (n - int(chipShift%uint(n))) % n
	if delay == 0 {
		return code, nil
	}
	out := make([]uint8, n)
	for i := range out {
		out[i] = code[(i+delay)%n]
	}
	return out, nil
}

// shift clocks the register once: stage 1 takes the feedback sum of
// taps, every other stage takes its predecessor.
func shift(reg []uint8, taps []int) {
	var fb uint8
	for _, t := range taps {
		fb ^= reg[t-1]
	}
	copy(reg[1:], reg[:len(reg)-1])
	reg[0] = fb
}

// Chips returns one code period in antipodal form, logic 1 as +1.
func Chips(group channel.Group, prn uint32, chipShift uint) ([]int8, error) {
	bits, err := Bits(group, prn, chipShift)
	if err != nil {
		return nil, err
	}
	chips := make([]int8, len(bits))
	for i, b := range bits {
		if b == 1 {
			chips[i] = 1
		} else {
			chips[i] = -1
		}
	}
	return chips, nil
}

// Sampled returns one code period resampled to fs samples per second
// by holding each chip for the samples that fall inside it. The last
// sample always carries the last chip.
func Sampled(group channel.Group, prn uint32, fs float64, chipShift uint) ([]complex128, error) {
	chips, err := Chips(group, prn, chipShift)
	if err != nil {
		return nil, err
	}
	r := registers[group]

	samples := int(fs / codePeriodsPerSecond)
	if samples < 1 {
		return nil, fmt.Errorf("%w: %g Hz", ErrSampleRate, fs)
	}

	chipsPerSample := r.chipRate / fs
	dest := make([]complex128, samples)
	for i := range dest {
		idx := int(float64(i+1) * chipsPerSample)
		if i == samples-1 || idx >= len(chips) {
			idx = len(chips) - 1
		}
		dest[i] = complex(float64(chips[idx]), 0)
	}
	return dest, nil
}

// SamplesPerCode is the length of Sampled's result for fs.
func SamplesPerCode(fs float64) int {
	return int(fs / codePeriodsPerSecond)
}
