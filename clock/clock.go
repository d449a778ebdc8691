package clock

import (
	"sync"
	"time"
)

// Clock is the source of "now" for validity windows, breaker windows and retry deadlines
type Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

type SystemClock struct{}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// NewMockedClock provides mock for test purposes
func NewMockedClock(nowTime time.Time) (Clock, *MockClock) {
	mock := &MockClock{nowTime: nowTime}
	return mock, mock
}

// MockClock is safe for use by concurrent pipeline workers
type MockClock struct {
	mutex   sync.Mutex
	nowTime time.Time
}

func (c *MockClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.nowTime
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) SetNowTime(t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.nowTime = t
}

// Advance moves mocked time forward and returns the new value
func (c *MockClock) Advance(d time.Duration) time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.nowTime = c.nowTime.Add(d)
	return c.nowTime
}
