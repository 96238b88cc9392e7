package timeutil

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	if d := clock.Since(time.Now().Add(-time.Second)); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_AdvanceFiresTimer(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(5 * time.Second)

	if got := clock.PendingTimers(); got != 1 {
		t.Fatalf("PendingTimers() = %d, want 1", got)
	}

	clock.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-timer.C():
		if !got.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
	if got := clock.PendingTimers(); got != 0 {
		t.Errorf("PendingTimers() after fire = %d, want 0", got)
	}
}

func TestMockTimer_Stop(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)
	if !timer.Stop() {
		t.Error("Stop() on an active timer returned false")
	}
	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Error("second Stop() returned true")
	}
}

func TestMockTimer_ResetMovesDeadline(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)
	clock.Advance(500 * time.Millisecond)

	timer.Reset(time.Second)
	clock.Advance(600 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired at the old deadline")
	default:
	}

	clock.Advance(400 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at the reset deadline")
	}
}

func TestMockClock_Sleeps(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Sleep(10 * time.Millisecond)
	clock.Sleep(20 * time.Millisecond)

	if diff := cmp.Diff(clock.Sleeps(), []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}); diff != "" {
		t.Errorf("Sleeps() (-got +want):\n%s", diff)
	}
	if !clock.Now().Equal(epoch) {
		t.Error("Sleep advanced the mock clock")
	}
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not tick")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Error("stopped ticker ticked")
	default:
	}
}
