package provision

import (
	"context"
	"sort"
	"sync"
)

type Call struct {
	Op      string
	Variant string
	Version string
	Replica int
}

// Memory keeps variants in process. It backs dry runs and records every call
// so callers can inspect what would have been provisioned.
type Memory struct {
	mu       sync.Mutex
	variants map[string]Request
	calls    []Call
	// FailOn, when set, is consulted before each call; a non-nil error is
	// returned instead of applying the call.
	FailOn func(call Call) error
}

func NewMemory() *Memory {
	return &Memory{variants: make(map[string]Request)}
}

func (m *Memory) record(call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	failOn := m.FailOn
	m.mu.Unlock()
	if failOn != nil {
		return failOn(call)
	}
	return nil
}

func (m *Memory) DeployVersion(_ context.Context, req Request) error {
	if err := m.record(Call{Op: "deploy", Variant: req.Variant, Version: req.Version}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[req.Variant] = req
	return nil
}

func (m *Memory) UpdateReplica(_ context.Context, req Request, replica int) error {
	if err := m.record(Call{Op: "update", Variant: req.Variant, Version: req.Version, Replica: replica}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Replicas = int32(replica)
	m.variants[req.Variant] = req
	return nil
}

func (m *Memory) TerminateVersion(_ context.Context, req Request) error {
	if err := m.record(Call{Op: "terminate", Variant: req.Variant, Version: req.Version}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.variants, req.Variant)
	return nil
}

func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Variants returns the provisioned variant names in sorted order.
func (m *Memory) Variants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.variants))
	for name := range m.variants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
