package delivery_test

import (
	"testing"
	"time"

	"github.com/perimetric/reporting/delivery"
)

func TestBackoffDoubles(t *testing.T) {
	b := delivery.NewBackoff(time.Minute, time.Hour)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	if !b.Ready("https://r.test/r", now) {
		t.Fatal("fresh endpoint not ready")
	}

	tests := []struct {
		failures  int
		wantDelay time.Duration
	}{
		{failures: 1, wantDelay: time.Minute},
		{failures: 2, wantDelay: 2 * time.Minute},
		{failures: 3, wantDelay: 4 * time.Minute},
		{failures: 4, wantDelay: 8 * time.Minute},
	}

	for _, tt := range tests {
		b.RecordFailure("https://r.test/r", now)
		if b.Ready("https://r.test/r", now.Add(tt.wantDelay-time.Second)) {
			t.Errorf("after %d failures: ready before %v elapsed", tt.failures, tt.wantDelay)
		}
		if !b.Ready("https://r.test/r", now.Add(tt.wantDelay)) {
			t.Errorf("after %d failures: not ready at %v", tt.failures, tt.wantDelay)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	b := delivery.NewBackoff(time.Minute, 5*time.Minute)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		b.RecordFailure("https://r.test/r", now)
	}
	if !b.Ready("https://r.test/r", now.Add(5*time.Minute)) {
		t.Error("delay exceeded the cap")
	}
}

func TestBackoffSuccessResets(t *testing.T) {
	b := delivery.NewBackoff(time.Minute, time.Hour)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	b.RecordFailure("https://r.test/r", now)
	b.RecordFailure("https://r.test/r", now)
	b.RecordSuccess("https://r.test/r")

	if !b.Ready("https://r.test/r", now) {
		t.Error("endpoint not ready after success reset")
	}

	// The next failure starts the schedule over.
	b.RecordFailure("https://r.test/r", now)
	if !b.Ready("https://r.test/r", now.Add(time.Minute)) {
		t.Error("reset schedule did not restart at the initial delay")
	}
}

func TestBackoffPerEndpoint(t *testing.T) {
	b := delivery.NewBackoff(time.Minute, time.Hour)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	b.RecordFailure("https://r1.test/r", now)
	if !b.Ready("https://r2.test/r", now) {
		t.Error("failure on one endpoint held back another")
	}
}
