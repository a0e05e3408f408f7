package projection

import (
	"sync"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// OperationEntry is one operation request as the core decided it
type OperationEntry struct {
	Sequence      int64         `json:"sequence"`
	RequestID     uuid.UUID     `json:"request_id"`
	CDPID         uuid.UUID     `json:"cdp_id"`
	Actor         string        `json:"actor"`
	Operation     string        `json:"operation"`
	Amount        fpmath.Amount `json:"amount"`
	RejectionCode string        `json:"rejection_code,omitempty"` // empty when applied
	Version       int64         `json:"version,omitempty"`        // CDP version after the operation
	HealthFactor  float64       `json:"health_factor,omitempty"`
	Timestamp     int64         `json:"timestamp"`
}

// Applied reports whether the operation changed the CDP
func (e OperationEntry) Applied() bool {
	return e.RejectionCode == ""
}

// OperationHistory keeps the most recent operations in memory for the query
// API. Older entries are dropped once capacity is reached; the event log is
// the complete record.
type OperationHistory struct {
	mu       sync.RWMutex
	entries  []OperationEntry
	capacity int
}

func NewOperationHistory(capacity int) *OperationHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &OperationHistory{
		entries:  make([]OperationEntry, 0, capacity),
		capacity: capacity,
	}
}

// Add records an operation
func (p *OperationHistory) Add(entry OperationEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == p.capacity {
		copy(p.entries, p.entries[1:])
		p.entries = p.entries[:len(p.entries)-1]
	}
	p.entries = append(p.entries, entry)
}

// QueryByCDP returns up to limit operations on a CDP, newest first
func (p *OperationHistory) QueryByCDP(cdpID uuid.UUID, limit int) []OperationEntry {
	return p.query(limit, func(e OperationEntry) bool { return e.CDPID == cdpID })
}

// QueryByActor returns up to limit operations requested by actor, newest first
func (p *OperationHistory) QueryByActor(actor string, limit int) []OperationEntry {
	return p.query(limit, func(e OperationEntry) bool { return e.Actor == actor })
}

func (p *OperationHistory) query(limit int, match func(OperationEntry) bool) []OperationEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]OperationEntry, 0)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if match(p.entries[i]) {
			result = append(result, p.entries[i])
		}
	}
	return result
}

// Len returns the number of retained entries
func (p *OperationHistory) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
