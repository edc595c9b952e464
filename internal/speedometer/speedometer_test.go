package speedometer

import (
	"testing"
	"time"
)

func TestSpeedEmptyIsZero(t *testing.T) {
	s := New(time.Minute, 0)
	if got := s.Speed(); got != 0 {
		t.Errorf("Speed() on empty = %v, want 0", got)
	}
}

func TestSpeedMonotoneInEventMass(t *testing.T) {
	s := New(time.Minute, 0)
	s.Event(10)
	first := s.Speed()

	s.Event(10)
	second := s.Speed()

	if second < first {
		t.Errorf("Speed() after more events = %v, want >= %v", second, first)
	}
}

func TestSpeedExcludesOldEvents(t *testing.T) {
	s := New(50*time.Millisecond, 0)
	s.Event(1000)
	time.Sleep(100 * time.Millisecond)
	if got := s.Speed(); got != 0 {
		t.Errorf("Speed() after window expiry = %v, want 0", got)
	}
}

func TestSpeedCacheReusesResult(t *testing.T) {
	s := New(time.Minute, time.Hour)
	s.Event(60)
	first := s.Speed()

	s.Event(600)
	// Event invalidates the cache, so the next Speed() call recomputes.
	second := s.Speed()
	if second == first {
		t.Errorf("Speed() after a new Event = %v, want a recomputed value (was %v)", second, first)
	}
	// A bare repeated Speed() call within the cache window reuses the result.
	if third := s.Speed(); third != second {
		t.Errorf("repeated Speed() within cache window = %v, want cached %v", third, second)
	}
}

func TestSetEventFeedsAllMeters(t *testing.T) {
	set := NewSet(map[string]time.Duration{
		"2m": 2 * time.Minute,
		"5m": 5 * time.Minute,
	}, 0)

	set.Event(100)

	if set.Speed("2m") <= 0 {
		t.Error("2m speed should be positive after event")
	}
	if set.Speed("5m") <= 0 {
		t.Error("5m speed should be positive after event")
	}
	if set.Speed("missing") != 0 {
		t.Error("missing window should report 0")
	}
}
