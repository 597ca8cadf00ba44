package schedule

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Backend for tests.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]Job
	registers int
	weeks     bool

	// RegisterErr, when set, is returned by Register instead of storing.
	RegisterErr error
	// LookupErr, when set, is returned by Lookup.
	LookupErr error
}

// NewMemory returns an empty backend. nativeWeeks sets what
// SupportsWeeksInterval reports.
func NewMemory(nativeWeeks bool) *Memory {
	return &Memory{jobs: make(map[string]Job), weeks: nativeWeeks}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) SupportsWeeksInterval() bool { return m.weeks }

func (m *Memory) Lookup(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LookupErr != nil {
		return false, m.LookupErr
	}
	_, ok := m.jobs[name]
	return ok, nil
}

func (m *Memory) Register(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers++
	if m.RegisterErr != nil {
		return m.RegisterErr
	}
	if _, ok := m.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	m.jobs[job.Name] = job
	return nil
}

// Put stores job directly, bypassing Register.
func (m *Memory) Put(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.Name] = job
}

// Job returns the stored job with the given name.
func (m *Memory) Job(name string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[name]
	return j, ok
}

// Registers returns how many times Register was called.
func (m *Memory) Registers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers
}
