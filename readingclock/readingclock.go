// Package readingclock provides an NTP-backed time source for
// MeterMonitor, so scheduling and reading timestamps stay accurate
// even when the local system clock has drifted.
package readingclock

import (
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("metermon.readingclock")

const (
	DefaultHost         = "pool.ntp.org"
	DefaultTimeout      = 10 * time.Second
	defaultResyncPeriod = 30 * time.Minute
)

// ntpQuery is overridden in tests.
var ntpQuery = ntp.QueryWithOptions

// Clock is a time.Now-like source periodically corrected against an
// NTP server. It satisfies metermonitor.Clock.
type Clock struct {
	host   string
	closed chan struct{}

	mu       sync.Mutex
	t0       time.Time
	absT0    time.Time
	prevTime time.Time
}

// Params configures a Clock.
type Params struct {
	// Host is the NTP server to query. Defaults to pool.ntp.org.
	Host string
	// Timeout bounds the initial synchronization query.
	Timeout time.Duration
}

// New returns a Clock synchronized against an NTP server. It blocks
// for up to Timeout while performing the first synchronization.
func New(p Params) (*Clock, error) {
	if p.Host == "" {
		p.Host = DefaultHost
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	c := &Clock{
		host:   p.Host,
		closed: make(chan struct{}),
	}
	if err := c.resync(p.Timeout); err != nil {
		return nil, fmt.Errorf("cannot synchronize with NTP host %q: %w", p.Host, err)
	}
	go c.loop()
	return c, nil
}

// Now returns the clock's current best estimate of the absolute time.
// The result never moves backwards relative to a previous Now() call.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.absT0.Add(time.Since(c.t0))
	if t.Before(c.prevTime) {
		return c.prevTime
	}
	c.prevTime = t
	return t
}

// Close stops the background resynchronization loop.
func (c *Clock) Close() {
	close(c.closed)
}

func (c *Clock) loop() {
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(defaultResyncPeriod):
		}
		if err := c.resync(20 * time.Second); err != nil {
			logger.Warningf("NTP resync against %q failed, keeping previous offset: %v", c.host, err)
		}
	}
}

func (c *Clock) resync(timeout time.Duration) error {
	resp, err := ntpQuery(c.host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t0 = time.Now()
	c.absT0 = c.t0.Add(resp.ClockOffset).Round(0)
	return nil
}
