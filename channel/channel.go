// Package channel holds the passive per-channel record the control loop
// owns: identity, constellation group, state and the assigned candidate.
package channel

import (
	"errors"
	"fmt"
)

// Group identifies a constellation/band; every group has its own
// candidate pool.
type Group string

const (
	GroupGPS    Group = "GPS" // GPS L1 C/A
	GroupBeiDou Group = "BDS" // BeiDou B1I
)

// State is a channel's position in the acquisition state machine
type State uint8

const (
	Standby State = iota
	Acquiring
	Tracking
)

func (s State) String() string {
	switch s {
	case Standby:
		return "standby"
	case Acquiring:
		return "acquiring"
	case Tracking:
		return "tracking"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var ErrInconsistent = errors.New("inconsistent channel descriptor")

// Descriptor is one channel of the fixed pool. Only the orchestrator
// mutates it.
type Descriptor struct {
	ID    uint32
	Group Group
	State State

	// PRN is the assigned candidate; nil while in Standby.
	PRN *uint32

	// Since is the control queue sequence at which the current
	// assignment took effect. Notifications stamped at or before it
	// predate the assignment.
	Since uint64
}

// New returns a Standby descriptor
func New(id uint32, group Group) *Descriptor {
	return &Descriptor{ID: id, Group: group, State: Standby}
}

// Assign puts the channel into Acquiring on prn.
func (d *Descriptor) Assign(prn uint32, since uint64) {
	d.State = Acquiring
	d.PRN = &prn
	d.Since = since
}

// Track confirms the current candidate.
func (d *Descriptor) Track() {
	d.State = Tracking
}

// Release drops the candidate and returns the channel to Standby.
func (d *Descriptor) Release() {
	d.State = Standby
	d.PRN = nil
}

// Validate checks that Standby channels carry no candidate and every
// other state does.
func (d *Descriptor) Validate() error {
	switch d.State {
	case Standby:
		if d.PRN != nil {
			return fmt.Errorf("%w: channel %d standby with prn %d", ErrInconsistent, d.ID, *d.PRN)
		}
	case Acquiring, Tracking:
		if d.PRN == nil {
			return fmt.Errorf("%w: channel %d %s without prn", ErrInconsistent, d.ID, d.State)
		}
	default:
		return fmt.Errorf("%w: channel %d unknown state %d", ErrInconsistent, d.ID, d.State)
	}
	return nil
}

// Copy returns a deep copy, safe to hand out after a run.
func (d *Descriptor) Copy() Descriptor {
	c := *d
	if d.PRN != nil {
		prn := *d.PRN
		c.PRN = &prn
	}
	return c
}

func (d Descriptor) String() string {
	if d.PRN == nil {
		return fmt.Sprintf("ch%d[%s %s]", d.ID, d.Group, d.State)
	}
	return fmt.Sprintf("ch%d[%s %s prn=%d]", d.ID, d.Group, d.State, *d.PRN)
}
