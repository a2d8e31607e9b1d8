package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache_FirstSeenThenDuplicate(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)

	if c.IsDuplicate("telegram|u1|42|1001") {
		t.Error("first sighting must not be a duplicate")
	}
	if !c.IsDuplicate("telegram|u1|42|1001") {
		t.Error("second sighting must be a duplicate")
	}
	if c.IsDuplicate("telegram|u1|42|1002") {
		t.Error("different key must not be a duplicate")
	}
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := NewDedupeCache(20*time.Millisecond, 100)

	c.IsDuplicate("k")
	time.Sleep(40 * time.Millisecond)
	if c.IsDuplicate("k") {
		t.Error("expired key must not count as duplicate")
	}
}

func TestDedupeCache_DuplicateRefreshesTTL(t *testing.T) {
	c := NewDedupeCache(50*time.Millisecond, 100)

	c.IsDuplicate("k")
	time.Sleep(30 * time.Millisecond)
	if !c.IsDuplicate("k") {
		t.Fatal("key should still be within TTL")
	}
	time.Sleep(30 * time.Millisecond)
	// 60ms after first sighting but only 30ms after refresh.
	if !c.IsDuplicate("k") {
		t.Error("duplicate sighting must refresh the TTL")
	}
}

func TestDedupeCache_EvictsOldestWhenFull(t *testing.T) {
	c := NewDedupeCache(time.Minute, 3)

	for i := 0; i < 3; i++ {
		c.IsDuplicate(fmt.Sprintf("k%d", i))
		time.Sleep(time.Millisecond)
	}
	c.IsDuplicate("k3") // evicts k0

	if c.IsDuplicate("k0") {
		t.Error("oldest key should have been evicted")
	}
	if !c.IsDuplicate("k3") {
		t.Error("newest key must survive eviction")
	}
}
