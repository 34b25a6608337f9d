package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	got := RealClock{}.Now()
	if got.Before(before) {
		t.Errorf("RealClock.Now() = %v, before %v", got, before)
	}
}

func TestMockClock_AdvanceFiresTicker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	tk := c.NewTicker(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-tk.C():
		if !got.Equal(start.Add(time.Second)) {
			t.Errorf("tick time = %v, want %v", got, start.Add(time.Second))
		}
	default:
		t.Fatal("ticker did not fire when due")
	}
}

func TestMockTicker_StopAndReset(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(time.Second).(*MockTicker)

	tk.Stop()
	if c.Tickers() != 0 {
		t.Errorf("Tickers() after Stop = %d, want 0", c.Tickers())
	}
	c.Advance(2 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	tk.Reset(100 * time.Millisecond)
	if tk.Interval() != 100*time.Millisecond {
		t.Errorf("Interval() = %v, want 100ms", tk.Interval())
	}
	c.Advance(100 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("reset ticker did not fire")
	}
	if c.Tickers() != 1 {
		t.Errorf("Tickers() = %d, want 1", c.Tickers())
	}
}
