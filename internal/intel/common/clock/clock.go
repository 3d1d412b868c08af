package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall time so expiry and TTL logic can be driven in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually driven Clock. Safe for concurrent use through its methods;
// CurrentTime may be set directly before the clock is shared.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.CurrentTime = c.CurrentTime.Add(d)
	c.mu.Unlock()
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.CurrentTime = t
	c.mu.Unlock()
}

// DaysSince returns the whole and fractional days elapsed between the unix
// timestamp and the clock's current time.
func DaysSince(c Clock, unix int64) float64 {
	return c.Now().Sub(time.Unix(unix, 0)).Hours() / 24
}
