// Package store persists finished call records. Postgres is the production
// backend; the in-memory store backs development and tests when no database
// is configured.
package store

import (
	"context"
	"sync"

	"github.com/voicefront/callbridge/pkg/bridge/call"
)

// Memory keeps call records in process. Used when no database URL is set.
type Memory struct {
	mu      sync.Mutex
	records []call.Record
	params  map[string]call.CallParameters
}

func NewMemory() *Memory {
	return &Memory{params: make(map[string]call.CallParameters)}
}

func (m *Memory) SaveCall(_ context.Context, rec call.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Calls returns a copy of everything saved so far, oldest first.
func (m *Memory) Calls() []call.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call.Record(nil), m.records...)
}

// SetCallParameters registers the prompt context for an expected call.
func (m *Memory) SetCallParameters(_ context.Context, callSID string, params call.CallParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[callSID] = params
	return nil
}

// CallParameters returns the registered context for a call; an unknown SID
// gets the zero value.
func (m *Memory) CallParameters(_ context.Context, callSID string) (call.CallParameters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params[callSID], nil
}
