package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtualClock_Now(t *testing.T) {
	vc := NewVirtualClock(epoch)
	if !vc.Now().Equal(epoch) {
		t.Errorf("Now() = %v, want %v", vc.Now(), epoch)
	}
}

func TestVirtualClock_Advance(t *testing.T) {
	vc := NewVirtualClock(epoch)
	vc.Advance(90 * time.Second)
	want := epoch.Add(90 * time.Second)
	if !vc.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", vc.Now(), want)
	}
}

func TestVirtualClock_SinceAndUntil(t *testing.T) {
	vc := NewVirtualClock(epoch)
	vc.Advance(time.Minute)

	if got := vc.Since(epoch); got != time.Minute {
		t.Errorf("Since(epoch) = %v, want 1m", got)
	}
	deadline := epoch.Add(5 * time.Minute)
	if got := vc.Until(deadline); got != 4*time.Minute {
		t.Errorf("Until(deadline) = %v, want 4m", got)
	}
}

func TestVirtualClock_AfterFiresOnAdvance(t *testing.T) {
	vc := NewVirtualClock(epoch)
	ch := vc.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before clock advanced")
	default:
	}

	vc.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	vc.Advance(time.Second)
	select {
	case at := <-ch:
		want := epoch.Add(10 * time.Second)
		if !at.Equal(want) {
			t.Errorf("fired at %v, want %v", at, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestVirtualClock_AfterZeroFiresImmediately(t *testing.T) {
	vc := NewVirtualClock(epoch)
	select {
	case <-vc.After(0):
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
}

func TestVirtualClock_SetPastPanics(t *testing.T) {
	vc := NewVirtualClock(epoch)
	defer func() {
		if recover() == nil {
			t.Fatal("Set into the past should panic")
		}
	}()
	vc.Set(epoch.Add(-time.Second))
}

func TestVirtualClock_AdvanceNegativePanics(t *testing.T) {
	vc := NewVirtualClock(epoch)
	defer func() {
		if recover() == nil {
			t.Fatal("negative Advance should panic")
		}
	}()
	vc.Advance(-time.Second)
}
