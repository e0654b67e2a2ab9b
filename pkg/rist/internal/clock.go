// Package internal provides time sources shared by the rist packages.
package internal

import (
	"sync"
	"time"
)

// Clock supplies the wall-clock instants that drive RTP timestamps, cache
// send times and RTT measurement. Injecting it keeps those paths
// deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now. The returned values carry a monotonic reading,
// so differences between them are immune to wall-clock steps.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced Clock for tests. Unlike the runtime
// clock it may be shared between goroutines, since interceptor loops read it
// while the test advances it.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockClock creates a MockClock at t. A zero t starts at
// 2001-09-09T01:46:40Z so that times are well after the Unix epoch.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Unix(1000000000, 0)
	}
	return &MockClock{current: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the clock forward by d. It panics on a negative d.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t, forwards or backwards.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}
