package prncode

import (
	"fmt"

	"go.ntppool.org/gnssrx/channel"
)

// register describes a ranging code built from two linear feedback
// shift registers. Stage numbers are 1-based as in the signal ICDs.
type register struct {
	group    channel.Group
	stages   int
	length   int
	chipRate float64 // chips per second

	init   []uint8 // initial phase, stage 1 first
	g1Taps []int
	g2Taps []int

	// phases maps a PRN to the two G2 stages summed into the output.
	phases map[uint32][2]int
}

var registers = mustRegisters(
	&register{
		group:    channel.GroupGPS,
		stages:   10,
		length:   1023,
		chipRate: 1.023e6,
		init:     []uint8{1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		g1Taps:   []int{3, 10},
		g2Taps:   []int{2, 3, 6, 8, 9, 10},
		phases: map[uint32][2]int{
			1: {2, 6}, 2: {3, 7}, 3: {4, 8}, 4: {5, 9}, 5: {1, 9}, 6: {2, 10},
			7: {1, 8}, 8: {2, 9}, 9: {3, 10}, 10: {2, 3}, 11: {3, 4}, 12: {5, 6},
			13: {6, 7}, 14: {7, 8}, 15: {8, 9}, 16: {9, 10}, 17: {1, 4}, 18: {2, 5},
			19: {3, 6}, 20: {4, 7}, 21: {5, 8}, 22: {6, 9}, 23: {1, 3}, 24: {4, 6},
			25: {5, 7}, 26: {6, 8}, 27: {7, 9}, 28: {8, 10}, 29: {1, 6}, 30: {2, 7},
			31: {3, 8}, 32: {4, 9},
		},
	},
	&register{
		group:    channel.GroupBeiDou,
		stages:   11,
		length:   2046, // 2047 chip Gold code truncated by one chip
		chipRate: 2.046e6,
		init:     []uint8{0, 1, 0, 1, 0, 1, 0, 1, 0, 1, 0},
		g1Taps:   []int{1, 7, 8, 9, 10, 11},
		g2Taps:   []int{1, 2, 3, 4, 5, 8, 9, 11},
		phases: map[uint32][2]int{
			1: {1, 3}, 2: {1, 4}, 3: {1, 5}, 4: {1, 6}, 5: {1, 8}, 6: {1, 9},
			7: {1, 10}, 8: {1, 11}, 9: {2, 7}, 10: {3, 4}, 11: {3, 5}, 12: {3, 6},
			13: {3, 8}, 14: {3, 9}, 15: {3, 10}, 16: {3, 11}, 17: {4, 5}, 18: {4, 6},
			19: {4, 8}, 20: {4, 9}, 21: {4, 10}, 22: {4, 11}, 23: {5, 6}, 24: {5, 8},
			25: {5, 9}, 26: {5, 10}, 27: {5, 11}, 28: {6, 8}, 29: {6, 9}, 30: {6, 10},
			31: {6, 11}, 32: {8, 9}, 33: {8, 10}, 34: {8, 11}, 35: {9, 10}, 36: {9, 11},
			37: {10, 11},
		},
	},
)

func mustRegisters(regs ...*register) map[channel.Group]*register {
	m := make(map[channel.Group]*register, len(regs))
	for _, r := range regs {
		if err := r.validate(); err != nil {
			panic(err)
		}
		m[r.group] = r
	}
	return m
}

func (r *register) validate() error {
	if len(r.init) != r.stages {
		return fmt.Errorf("prncode: %s initial phase has %d stages, want %d", r.group, len(r.init), r.stages)
	}
	if r.length < 1 || r.length >= 1<<r.stages {
		return fmt.Errorf("prncode: %s length %d out of range", r.group, r.length)
	}
	for _, taps := range [][]int{r.g1Taps, r.g2Taps} {
		for _, t := range taps {
			if t < 1 || t > r.stages {
				return fmt.Errorf("prncode: %s feedback tap %d out of range", r.group, t)
			}
		}
	}

	seen := map[[2]int]uint32{}
	for prn, p := range r.phases {
		if p[0] < 1 || p[0] > r.stages || p[1] < 1 || p[1] > r.stages || p[0] == p[1] {
			return fmt.Errorf("prncode: %s prn %d has invalid phase pair %v", r.group, prn, p)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("prncode: %s prn %d and %d share phase pair %v", r.group, prn, other, p)
		}
		seen[p] = prn
	}
	return nil
}
