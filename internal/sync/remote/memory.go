package remote

import (
	"context"
	"encoding/json"
	"sync"
)

// Call records one write received by a MemoryClient.
type Call struct {
	Method     string // "upsert" or "delete"
	Collection string
	ID         string
	Data       json.RawMessage
}

// MemoryClient is an in-process remote. It backs the "memory" driver and
// lets tests inject failures per call.
type MemoryClient struct {
	mu      sync.Mutex
	records map[string]map[string]json.RawMessage
	calls   []Call
	fail    func(Call) error
	down    bool
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{records: make(map[string]map[string]json.RawMessage)}
}

// FailWith installs a hook consulted before every write. A non-nil return
// fails that call without applying it.
func (m *MemoryClient) FailWith(fn func(Call) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

// SetDown makes Ping report ErrUnavailable.
func (m *MemoryClient) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *MemoryClient) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.fail != nil {
		if err := m.fail(c); err != nil {
			return err
		}
	}
	switch c.Method {
	case "upsert":
		if m.records[c.Collection] == nil {
			m.records[c.Collection] = make(map[string]json.RawMessage)
		}
		m.records[c.Collection][c.ID] = append(json.RawMessage(nil), c.Data...)
	case "delete":
		delete(m.records[c.Collection], c.ID)
	}
	return nil
}

func (m *MemoryClient) Upsert(_ context.Context, collection, id string, data json.RawMessage) error {
	return m.record(Call{Method: "upsert", Collection: collection, ID: id, Data: data})
}

func (m *MemoryClient) Delete(_ context.Context, collection, id string) error {
	return m.record(Call{Method: "delete", Collection: collection, ID: id})
}

func (m *MemoryClient) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

// Calls returns every write received so far, in arrival order.
func (m *MemoryClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Record returns the stored payload for collection/id.
func (m *MemoryClient) Record(collection, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[collection][id]
	return v, ok
}
