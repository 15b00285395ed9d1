package readingclock

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/beevik/ntp"
)

func TestNewAppliesClockOffset(t *testing.T) {
	c := qt.New(t)
	orig := ntpQuery
	defer func() { ntpQuery = orig }()
	ntpQuery = func(host string, opts ntp.QueryOptions) (*ntp.Response, error) {
		return &ntp.Response{ClockOffset: time.Hour}, nil
	}

	clk, err := New(Params{Host: "test.invalid"})
	c.Assert(err, qt.IsNil)
	defer clk.Close()

	now := time.Now()
	got := clk.Now()
	c.Assert(got.After(now.Add(55*time.Minute)), qt.IsTrue)
}

func TestNowNeverGoesBackwards(t *testing.T) {
	c := qt.New(t)
	orig := ntpQuery
	defer func() { ntpQuery = orig }()
	offset := time.Hour
	ntpQuery = func(host string, opts ntp.QueryOptions) (*ntp.Response, error) {
		o := offset
		offset = 0 // subsequent resyncs move the estimate back by an hour
		return &ntp.Response{ClockOffset: o}, nil
	}

	clk, err := New(Params{Host: "test.invalid"})
	c.Assert(err, qt.IsNil)
	defer clk.Close()

	first := clk.Now()
	c.Assert(clk.resync(time.Second), qt.IsNil)
	second := clk.Now()
	c.Assert(second.Before(first), qt.IsFalse)
}
