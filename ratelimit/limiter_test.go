package ratelimit_test

import (
	"testing"
	"time"

	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/ratelimit"
)

func TestZeroRateIsUnlimited(t *testing.T) {
	l := ratelimit.New(clock.NewFake())
	for i := 0; i < 100; i++ {
		if !l.Allow("https://r.test/r", 0) {
			t.Fatal("zero rate denied an upload")
		}
	}
}

func TestBucketExhaustsAndRefills(t *testing.T) {
	clk := clock.NewFake()
	l := ratelimit.New(clk)

	// Rate 2/s starts with a full bucket of 2 tokens.
	if !l.Allow("https://r.test/r", 2) {
		t.Fatal("first upload denied")
	}
	if !l.Allow("https://r.test/r", 2) {
		t.Fatal("second upload denied")
	}
	if l.Allow("https://r.test/r", 2) {
		t.Fatal("third upload allowed with an empty bucket")
	}

	clk.Advance(time.Second)
	if !l.Allow("https://r.test/r", 2) {
		t.Fatal("upload denied after refill")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	clk := clock.NewFake()
	l := ratelimit.New(clk)

	if !l.Allow("https://r1.test/r", 1) {
		t.Fatal("first endpoint denied")
	}
	if l.Allow("https://r1.test/r", 1) {
		t.Fatal("exhausted endpoint allowed")
	}
	if !l.Allow("https://r2.test/r", 1) {
		t.Fatal("independent endpoint denied")
	}
}

func TestResetRestoresFullBucket(t *testing.T) {
	clk := clock.NewFake()
	l := ratelimit.New(clk)

	if !l.Allow("https://r.test/r", 1) {
		t.Fatal("first upload denied")
	}
	l.Reset("https://r.test/r")
	if !l.Allow("https://r.test/r", 1) {
		t.Fatal("upload denied after reset")
	}
}
