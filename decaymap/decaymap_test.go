package decaymap

import (
	"testing"
	"time"
)

func TestImpl(t *testing.T) {
	dm := New[string, string]()

	dm.Set("test", "hi", 5*time.Minute)

	val, ok := dm.Get("test")
	if !ok {
		t.Error("somehow the test key was not set")
	}

	if val != "hi" {
		t.Errorf("wanted value %q, got: %q", "hi", val)
	}

	ok = dm.expire("test")
	if !ok {
		t.Fatal("expire should have returned true")
	}

	if _, ok := dm.Get("test"); ok {
		t.Error("Get should have returned false after expiration")
	}

	if dm.Len() != 0 {
		t.Errorf("expired value should have been removed on Get, have %d entries", dm.Len())
	}
}

func TestDelete(t *testing.T) {
	dm := New[string, int]()
	dm.Set("live", 1, time.Minute)
	dm.Set("dead", 2, time.Minute)
	dm.expire("dead")

	if !dm.Delete("live") {
		t.Error("deleting a live key should report true")
	}

	if dm.Delete("live") {
		t.Error("deleting a key twice should report false the second time")
	}

	if dm.Delete("dead") {
		t.Error("deleting an expired key should report false")
	}
}

func TestDeleteFunc(t *testing.T) {
	dm := New[string, int]()
	dm.Set("key", 1, time.Minute)

	if dm.DeleteFunc("key", func(v int) bool { return v == 2 }) {
		t.Error("DeleteFunc removed a value the predicate rejected")
	}

	if _, ok := dm.Get("key"); !ok {
		t.Error("rejected DeleteFunc should leave the value in place")
	}

	if !dm.DeleteFunc("key", func(v int) bool { return v == 1 }) {
		t.Error("DeleteFunc should remove a matching value")
	}

	if dm.DeleteFunc("key", func(int) bool { return true }) {
		t.Error("DeleteFunc on a missing key should report false")
	}

	dm.Set("dead", 3, time.Minute)
	dm.expire("dead")

	if dm.DeleteFunc("dead", func(int) bool { return true }) {
		t.Error("DeleteFunc on an expired key should report false")
	}
}

func TestCleanup(t *testing.T) {
	dm := New[string, string]()

	dm.Set("test1", "hi1", 1*time.Second)
	dm.Set("test2", "hi2", 2*time.Second)
	dm.Set("test3", "hi3", 3*time.Second)

	dm.expire("test1")
	dm.expire("test2")

	dm.Cleanup()

	if dm.Len() != 1 {
		t.Errorf("wanted 1 entry after cleanup, got: %d", dm.Len())
	}

	if _, ok := dm.Get("test3"); !ok {
		t.Error("test3 should still be in the map")
	}
}
