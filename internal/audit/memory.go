package audit

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxEvents bounds the in-memory log when no option overrides it.
const DefaultMaxEvents = 10000

// MemoryAuditLogger keeps the most recent events in process. It backs the
// memory storage mode, where nothing survives a restart anyway.
type MemoryAuditLogger struct {
	mu sync.RWMutex
	// events is oldest first; readers walk it backwards.
	events    []*AuditEvent
	maxEvents int
}

// MemoryAuditLoggerOption configures a MemoryAuditLogger.
type MemoryAuditLoggerOption func(*MemoryAuditLogger)

// WithMaxEvents caps retention; older events are dropped first.
func WithMaxEvents(n int) MemoryAuditLoggerOption {
	return func(m *MemoryAuditLogger) {
		if n > 0 {
			m.maxEvents = n
		}
	}
}

func NewMemoryAuditLogger(opts ...MemoryAuditLoggerOption) *MemoryAuditLogger {
	m := &MemoryAuditLogger{maxEvents: DefaultMaxEvents}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryAuditLogger) Log(_ context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	event.stamp(uuid.NewString)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, cloneEvent(event))
	if over := len(m.events) - m.maxEvents; over > 0 {
		clear(m.events[:over])
		m.events = m.events[over:]
	}
	return nil
}

func (m *MemoryAuditLogger) List(_ context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.newestFirst(opts)
	start, end := opts.page(len(matched))
	return matched[start:end], len(matched), nil
}

func (m *MemoryAuditLogger) GetByResource(_ context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newestFirst(ListOptions{ResourceType: resourceType, ResourceID: resourceID}), nil
}

// newestFirst returns copies of the events matching opts. Caller holds mu.
func (m *MemoryAuditLogger) newestFirst(opts ListOptions) []*AuditEvent {
	var out []*AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if opts.matches(m.events[i]) {
			out = append(out, cloneEvent(m.events[i]))
		}
	}
	return out
}

func cloneEvent(e *AuditEvent) *AuditEvent {
	c := *e
	if e.Changes != nil {
		c.Changes = &Changes{
			Before: maps.Clone(e.Changes.Before),
			After:  maps.Clone(e.Changes.After),
		}
	}
	return &c
}
