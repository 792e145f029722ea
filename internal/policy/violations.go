package policy

import (
	"sync"
	"time"
)

// Violation types.
const (
	ViolationAccessDenied      = "access_denied"
	ViolationRateLimitExceeded = "rate_limit_exceeded"
	ViolationExecutionTime     = "execution_time_violation"
	ViolationParameter         = "parameter_violation"
)

// Violation is one recorded policy breach.
type Violation struct {
	Timestamp     time.Time              `json:"timestamp"`
	SubjectID     string                 `json:"subject_id"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id"`
	Action        string                 `json:"action"`
	ViolationType string                 `json:"violation_type"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// violationRing is a fixed-capacity buffer: oldest entries drop first.
type violationRing struct {
	mu       sync.Mutex
	buf      []Violation
	next     int
	size     int
	capacity int
}

func newViolationRing(capacity int) *violationRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &violationRing{buf: make([]Violation, capacity), capacity: capacity}
}

func (r *violationRing) record(v Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// newestFirst returns up to limit violations, most recent first.
func (r *violationRing) newestFirst(limit int) []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Violation, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + r.capacity*2) % r.capacity
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *violationRing) snapshot() []Violation {
	return r.newestFirst(0)
}

func (r *violationRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
