package kvstore

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	m.Set("k", "v", 0)
	got, ok := m.Get("k")
	if !ok || got != "v" {
		t.Errorf("Get() = (%q, %v), want (\"v\", true)", got, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	if _, ok := m.Get("missing"); ok {
		t.Error("expected missing key to report false")
	}
}

func TestDelete(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	m.Set("k", "v", 0)
	m.Delete("k")
	if _, ok := m.Get("k"); ok {
		t.Error("expected key to be gone after Delete")
	}
}

func TestExpiredEntryIsNotReturned(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()

	m.Set("k", "v", time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Error("expected expired key to report false")
	}
}
