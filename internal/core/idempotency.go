package core

import (
	"container/list"
	"context"
	"time"
)

// tier2Timeout bounds a single Postgres dedup lookup
const tier2Timeout = 250 * time.Millisecond

// Dedup tiers reported by IdempotencyChecker.IsDuplicate
const (
	tierLRU      = "lru"
	tierPostgres = "postgres"
)

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates events in two tiers: an in-memory LRU of
// recently processed keys, then the persisted event log.
type IdempotencyChecker struct {
	lru       *keyLRU
	dbChecker DBIdempotencyChecker // may be nil
}

// dedupResult is the outcome of one lookup. Tier2Err is set when the
// Postgres tier failed; the event is then treated as new.
type dedupResult struct {
	Duplicate bool
	Tier      string
	Tier2Err  error
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newKeyLRU(capacity),
		dbChecker: dbChecker,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks whether the event has been processed. With localOnly
// the Postgres tier is skipped (replay reads events already in the log).
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string, localOnly bool) dedupResult {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.touch(key) {
		return dedupResult{Duplicate: true, Tier: tierLRU}
	}
	if localOnly || ic.dbChecker == nil {
		return dedupResult{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), tier2Timeout)
	defer cancel()

	dup, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
	if err != nil {
		// Processing never blocks on the cold tier
		return dedupResult{Tier2Err: err}
	}
	if !dup {
		return dedupResult{}
	}

	ic.lru.add(key)
	return dedupResult{Duplicate: true, Tier: tierPostgres}
}

// MarkProcessed records the key once the event has been applied
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.add(compositeKey(eventType, idempotencyKey))
}

// Warm loads composite keys from a snapshot, oldest first
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.add(k)
	}
}

// Keys returns the LRU contents, oldest first
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// Size returns current LRU occupancy
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.order.Len()
}

// keyLRU is a bounded set of keys evicting the least recently used.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type keyLRU struct {
	capacity int
	index    map[string]*list.Element // value is the key string
	order    *list.List               // front = most recent
}

func newKeyLRU(capacity int) *keyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &keyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// touch reports whether key is present, promoting it when it is
func (l *keyLRU) touch(key string) bool {
	elem, ok := l.index[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *keyLRU) add(key string) {
	if l.touch(key) {
		return
	}
	l.index[key] = l.order.PushFront(key)

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}

// keys returns all keys from least to most recently used
func (l *keyLRU) keys() []string {
	out := make([]string, 0, l.order.Len())
	for e := l.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}
