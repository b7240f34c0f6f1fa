package ring

import (
	"testing"
	"time"
)

func TestExpiringSetDedupWithinTTL(t *testing.T) {
	es := NewExpiringSet(50*time.Millisecond, 10*time.Millisecond)
	defer es.Stop()

	if !es.Add("peer-1") {
		t.Fatal("first Add should report the item as new")
	}
	if es.Add("peer-1") {
		t.Fatal("second Add within TTL should report the item as already present")
	}
	if !es.Contains("peer-1") {
		t.Fatal("item should still be present within TTL")
	}
}

func TestExpiringSetExpires(t *testing.T) {
	es := NewExpiringSet(20*time.Millisecond, 5*time.Millisecond)
	defer es.Stop()

	es.Add("peer-1")
	time.Sleep(80 * time.Millisecond)

	if es.Contains("peer-1") {
		t.Fatal("item should have expired")
	}
	if !es.Add("peer-1") {
		t.Fatal("Add after expiry should report the item as new again")
	}
}

func TestCheckAndSetIsCompareAndSet(t *testing.T) {
	es := NewExpiringSet(time.Second, 100*time.Millisecond)
	defer es.Stop()

	first := es.CheckAndSet("peer-z")
	second := es.CheckAndSet("peer-z")

	if !first {
		t.Fatal("first CheckAndSet should win")
	}
	if second {
		t.Fatal("second CheckAndSet before the guard clears should lose")
	}

	es.Remove("peer-z")
	if !es.CheckAndSet("peer-z") {
		t.Fatal("CheckAndSet after Remove should win again")
	}
}
