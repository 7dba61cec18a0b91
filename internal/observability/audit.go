package observability

import (
	"sync"
	"time"
)

// AuditRecord pairs the request and response metadata of one remote exchange.
type AuditRecord struct {
	RequestID  string            `json:"requestId"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Category   string            `json:"category,omitempty"`
	StatusCode int               `json:"statusCode"`
	Duration   time.Duration     `json:"duration"`
	Error      string            `json:"error,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// AuditRing keeps the most recent audit records in memory.
type AuditRing struct {
	mu       sync.Mutex
	capacity int
	records  []AuditRecord
}

// NewAuditRing creates a ring with the provided capacity. Capacity <=0 implies unbounded.
func NewAuditRing(capacity int) *AuditRing {
	ring := new(AuditRing)
	ring.capacity = capacity
	ring.records = make([]AuditRecord, 0)
	return ring
}

// Offer appends a record, evicting the oldest when full.
func (r *AuditRing) Offer(record AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record.Headers = cloneHeaders(record.Headers)
	if r.capacity > 0 && len(r.records) >= r.capacity {
		copy(r.records[0:], r.records[1:])
		r.records[len(r.records)-1] = record
		return
	}
	r.records = append(r.records, record)
}

// Snapshot returns a copy of the buffered records, oldest first.
func (r *AuditRing) Snapshot() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Drain retrieves and clears all buffered records.
func (r *AuditRing) Drain() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := make([]AuditRecord, len(r.records))
	copy(drained, r.records)
	r.records = r.records[:0]
	return drained
}

// Len returns the number of buffered records.
func (r *AuditRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func cloneHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
