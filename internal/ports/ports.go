// ABOUTME: Port allocation for agent task servers
// ABOUTME: Pure upward scan plus a store-backed allocator bounded by a maximum port

package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/agent-fleet/internal/store"
)

// ErrNoPortAvailable is returned when every port between the start and the
// upper bound is excluded or occupied.
var ErrNoPortAvailable = errors.New("no port available")

// Set is a set of TCP ports.
type Set map[int]struct{}

// NewSet builds a Set from the given ports.
func NewSet(ports ...int) Set {
	s := make(Set, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

// Add inserts port into the set.
func (s Set) Add(port int) {
	s[port] = struct{}{}
}

// Has reports whether port is in the set. A nil Set contains nothing.
func (s Set) Has(port int) bool {
	_, ok := s[port]
	return ok
}

// NextPort returns the smallest port >= start that is in neither excluded nor occupied.
// It does not bound the scan; callers that need a bound use Allocator.
func NextPort(start int, excluded, occupied Set) int {
	port := start
	for excluded.Has(port) || occupied.Has(port) {
		port++
	}
	return port
}

// nextPortWithin is NextPort with an inclusive upper bound.
func nextPortWithin(start, max int, excluded, occupied Set) (int, bool) {
	for port := start; port <= max; port++ {
		if !excluded.Has(port) && !occupied.Has(port) {
			return port, true
		}
	}
	return 0, false
}

// AgentLister is the part of the store the allocator reads.
type AgentLister interface {
	ListAgents(ctx context.Context) ([]*store.AgentDescriptor, error)
}

// Allocator hands out ports for new or relocated agents. The occupied set is
// rebuilt from the store on every call so that repeated allocations in the
// same process never collide.
type Allocator struct {
	agents AgentLister
	base   int
	max    int
}

// NewAllocator creates an allocator scanning [base, max].
func NewAllocator(agents AgentLister, base, max int) *Allocator {
	return &Allocator{agents: agents, base: base, max: max}
}

// Next returns the lowest free port at or above the base port, skipping excluded ports
// and ports already assigned to stored agents.
func (a *Allocator) Next(ctx context.Context, excluded Set) (int, error) {
	occupied, err := a.occupied(ctx)
	if err != nil {
		return 0, err
	}

	port, ok := nextPortWithin(a.base, a.max, excluded, occupied)
	if !ok {
		return 0, fmt.Errorf("scanning %d-%d: %w", a.base, a.max, ErrNoPortAvailable)
	}
	return port, nil
}

func (a *Allocator) occupied(ctx context.Context) (Set, error) {
	agents, err := a.agents.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	occupied := make(Set, len(agents))
	for _, ag := range agents {
		if ag.Port > 0 {
			occupied.Add(ag.Port)
		}
	}
	return occupied, nil
}
