package clock_test

import (
	"testing"
	"time"

	"github.com/perimetric/reporting/clock"
)

func TestFakeClockAdvance(t *testing.T) {
	clk := clock.NewFake()
	start := clk.Now()

	clk.Advance(time.Minute)
	if got := clk.Now().Sub(start); got != time.Minute {
		t.Errorf("advanced by %v, want 1m", got)
	}
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	clk := clock.NewFake()
	ticker := clk.NewTicker(time.Minute)
	defer ticker.Stop()

	select {
	case <-ticker.C:
		t.Fatal("ticker fired before the interval elapsed")
	default:
	}

	clk.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after the interval elapsed")
	}
}

func TestStoppedTickerDoesNotFire(t *testing.T) {
	clk := clock.NewFake()
	ticker := clk.NewTicker(time.Minute)
	ticker.Stop()

	clk.Advance(time.Hour)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
