package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// ErrInjected is the error returned by FakeSource for configured failures.
var ErrInjected = errors.New("injected failure")

// FakeSource is a deterministic in-memory lookup.Source.
type FakeSource struct {
	name string

	mu        sync.Mutex
	findings  map[string][]lookup.Finding
	failAll   map[string]lookup.Kind
	failTimes map[string]int
	calls     map[string]int
	total     int

	// Delay is applied to every call, honouring ctx.
	Delay time.Duration

	// OnCall runs at the start of every call, outside the source lock.
	OnCall func(ctx context.Context, unitID string)
}

// NewFakeSource creates a source with no findings for any unit.
func NewFakeSource(name string) *FakeSource {
	return &FakeSource{
		name:      name,
		findings:  make(map[string][]lookup.Finding),
		failAll:   make(map[string]lookup.Kind),
		failTimes: make(map[string]int),
		calls:     make(map[string]int),
	}
}

// Name implements lookup.Source.
func (s *FakeSource) Name() string {
	return s.name
}

// SetFindings configures the findings reported for a unit.
func (s *FakeSource) SetFindings(unitID string, findings ...lookup.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[unitID] = findings
}

// FailAlways makes every lookup of unitID fail with the given kind.
func (s *FakeSource) FailAlways(unitID string, kind lookup.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll[unitID] = kind
}

// FailTimes makes the next n lookups of unitID fail transiently.
func (s *FakeSource) FailTimes(unitID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTimes[unitID] = n
}

// Calls returns how often unitID was looked up.
func (s *FakeSource) Calls(unitID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[unitID]
}

// TotalCalls returns the number of lookups across all units.
func (s *FakeSource) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Lookup implements lookup.Source.
func (s *FakeSource) Lookup(ctx context.Context, unitID string) (lookup.Result, error) {
	if s.OnCall != nil {
		s.OnCall(ctx, unitID)
	}

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return lookup.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return lookup.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[unitID]++
	s.total++

	if kind, ok := s.failAll[unitID]; ok {
		return lookup.Result{}, &lookup.Error{Kind: kind, Source: s.name, Unit: unitID, Err: ErrInjected}
	}
	if n := s.failTimes[unitID]; n > 0 {
		s.failTimes[unitID] = n - 1
		return lookup.Result{}, lookup.NewTransient(s.name, unitID, fmt.Errorf("%w (%d left)", ErrInjected, n-1))
	}

	findings := append([]lookup.Finding(nil), s.findings[unitID]...)
	return lookup.Result{Source: s.name, Findings: findings}, nil
}
