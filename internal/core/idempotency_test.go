package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type stubDB struct {
	dup   bool
	err   error
	calls int
}

func (s *stubDB) IsDuplicate(context.Context, string, string) (bool, error) {
	s.calls++
	return s.dup, s.err
}

func TestKeyLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := newKeyLRU(2)
	l.add("a")
	l.add("b")
	l.touch("a") // b is now oldest
	l.add("c")

	if l.touch("b") {
		t.Errorf("b should have been evicted")
	}
	if got, want := l.keys(), []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("keys: got %v, want %v", got, want)
	}
}

func TestIdempotencyChecker_Tiers(t *testing.T) {
	db := &stubDB{}
	ic := NewIdempotencyChecker(8, db)

	if r := ic.IsDuplicate("PriceUpdate", "price:1", false); r.Duplicate {
		t.Fatalf("fresh key reported duplicate")
	}

	ic.MarkProcessed("PriceUpdate", "price:1")
	r := ic.IsDuplicate("PriceUpdate", "price:1", false)
	if !r.Duplicate || r.Tier != tierLRU {
		t.Errorf("got %+v, want lru duplicate", r)
	}
	if db.calls != 1 {
		t.Errorf("postgres calls: got %d, want 1", db.calls)
	}

	db.dup = true
	r = ic.IsDuplicate("PriceUpdate", "price:2", false)
	if !r.Duplicate || r.Tier != tierPostgres {
		t.Errorf("got %+v, want postgres duplicate", r)
	}
	// promoted into the LRU
	if r := ic.IsDuplicate("PriceUpdate", "price:2", true); r.Tier != tierLRU {
		t.Errorf("got tier %q, want lru", r.Tier)
	}
}

func TestIdempotencyChecker_LocalOnlySkipsPostgres(t *testing.T) {
	db := &stubDB{dup: true}
	ic := NewIdempotencyChecker(8, db)

	if r := ic.IsDuplicate("OperationRequested", "op:1", true); r.Duplicate {
		t.Errorf("local-only lookup consulted postgres")
	}
	if db.calls != 0 {
		t.Errorf("postgres calls: got %d, want 0", db.calls)
	}
}

func TestIdempotencyChecker_Tier2ErrorTreatedAsNew(t *testing.T) {
	ic := NewIdempotencyChecker(8, &stubDB{err: errors.New("timeout")})

	r := ic.IsDuplicate("OperationRequested", "op:1", false)
	if r.Duplicate {
		t.Errorf("failed lookup reported duplicate")
	}
	if r.Tier2Err == nil {
		t.Errorf("expected tier 2 error to be surfaced")
	}
}

func TestIdempotencyChecker_WarmKeepsOrder(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil)
	ic.Warm([]string{"x:1", "x:2", "x:3"})

	if got, want := ic.Keys(), []string{"x:2", "x:3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("keys: got %v, want %v", got, want)
	}
}
