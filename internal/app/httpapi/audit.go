package httpapi

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// AuditEntry records one admin settlement call.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	ClientIP string    `json:"client_ip"`
	Status   int       `json:"status"`
}

// AuditLog keeps the most recent admin calls in a fixed-size ring and
// optionally streams each entry as JSON lines to a sink.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
	sink    io.Writer
}

// NewAuditLog creates a ring of the given capacity. sink may be nil.
func NewAuditLog(capacity int, sink io.Writer) *AuditLog {
	if capacity < 1 {
		capacity = 128
	}
	return &AuditLog{entries: make([]AuditEntry, capacity), sink: sink}
}

// Record appends an entry, overwriting the oldest when full.
func (a *AuditLog) Record(entry AuditEntry) {
	a.mu.Lock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		line, err := json.Marshal(entry)
		if err == nil {
			_, _ = sink.Write(append(line, '\n'))
		}
	}
}

// Entries returns the recorded entries, oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	out = append(out, a.entries[:a.next]...)
	return out
}
