package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestRunFiresRepeatedly checks that fn keeps firing on the cadence until
// the stop channel closes.
func TestRunFiresRepeatedly(t *testing.T) {
	stopCh := make(chan struct{})
	var calls atomic.Int32
	fired := make(chan struct{}, 16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, time.Millisecond, 0, func() {
			calls.Add(1)
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("fn did not fire %d times in time", i+1)
		}
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	if calls.Load() < 3 {
		t.Fatalf("calls: got %d, want at least 3", calls.Load())
	}
}

// TestRunStopsBeforeFirstFire checks that a stop during the first wait
// returns without invoking fn.
func TestRunStopsBeforeFirstFire(t *testing.T) {
	stopCh := make(chan struct{})
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, time.Hour, 0, func() { calls.Add(1) })
	}()

	// Give the loop a moment to arm its timer, then stop.
	time.Sleep(10 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	if calls.Load() != 0 {
		t.Fatalf("fn fired %d times before the first interval", calls.Load())
	}
}

// TestRunNormalizesBadIntervals checks the guards for non-positive
// intervals and negative jitter.
func TestRunNormalizesBadIntervals(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, 0, -time.Second, func() {})
	}()

	close(stopCh)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return with normalized intervals")
	}
}
