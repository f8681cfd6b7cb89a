// Package candidate keeps the ordered backlog of signal sources not yet
// attempted, one pool per channel group.
package candidate

import (
	"errors"
	"fmt"
	"sort"

	"go.ntppool.org/gnssrx/channel"
)

var (
	ErrExhausted    = errors.New("candidate pool exhausted")
	ErrUnknownGroup = errors.New("unknown candidate group")
	ErrDuplicate    = errors.New("duplicate candidate")
)

// Pool is the ordered backlog for one group. It is not safe for
// concurrent use; the orchestrator is its only user.
type Pool struct {
	group channel.Group
	prns  []uint32
}

// NewPool copies prns in order. A PRN may only appear once.
func NewPool(group channel.Group, prns []uint32) (*Pool, error) {
	seen := make(map[uint32]bool, len(prns))
	for _, prn := range prns {
		if seen[prn] {
			return nil, fmt.Errorf("%w: %s prn %d", ErrDuplicate, group, prn)
		}
		seen[prn] = true
	}
	return &Pool{
		group: group,
		prns:  append([]uint32(nil), prns...),
	}, nil
}

func (p *Pool) Group() channel.Group { return p.group }

// Pop removes and returns the head of the pool.
func (p *Pool) Pop() (uint32, error) {
	if len(p.prns) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrExhausted, p.group)
	}
	prn := p.prns[0]
	p.prns = p.prns[1:]
	return prn, nil
}

// Remaining is the number of candidates left.
func (p *Pool) Remaining() int {
	return len(p.prns)
}

// Pending returns a copy of the candidates not yet attempted.
func (p *Pool) Pending() []uint32 {
	return append([]uint32(nil), p.prns...)
}

// Set holds the pools of all groups.
type Set struct {
	pools map[channel.Group]*Pool
}

// NewSet builds a pool for each group in lists.
func NewSet(lists map[channel.Group][]uint32) (*Set, error) {
	s := &Set{pools: make(map[channel.Group]*Pool, len(lists))}
	for group, prns := range lists {
		p, err := NewPool(group, prns)
		if err != nil {
			return nil, err
		}
		s.pools[group] = p
	}
	return s, nil
}

// Pop returns the next candidate for group.
func (s *Set) Pop(group channel.Group) (uint32, error) {
	p, ok := s.pools[group]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrExhausted, group)
	}
	return p.Pop()
}

// Remaining is the number of candidates left for group; zero for groups
// without a pool.
func (s *Set) Remaining(group channel.Group) int {
	p, ok := s.pools[group]
	if !ok {
		return 0
	}
	return p.Remaining()
}

// Pool returns the pool for group.
func (s *Set) Pool(group channel.Group) (*Pool, error) {
	p, ok := s.pools[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return p, nil
}

// Groups lists the configured groups in sorted order.
func (s *Set) Groups() []channel.Group {
	groups := make([]channel.Group, 0, len(s.pools))
	for g := range s.pools {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}
