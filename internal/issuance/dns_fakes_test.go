package issuance

import (
	"context"
	"sync"

	"github.com/blockadesystems/certforge/internal/dnsprovider"
)

// memoryDNS is a DNS provider that keeps records in a map.
type memoryDNS struct {
	mu      sync.Mutex
	records map[string]string
	created int
	removed int
	// createErr is returned after the record was stored, like a provider whose
	// zone refresh fails once the record exists.
	createErr error
	removeErr error
}

func newMemoryDNS() *memoryDNS { return &memoryDNS{records: make(map[string]string)} }

func (m *memoryDNS) Name() string { return "memory" }

func (m *memoryDNS) CreateRecord(_ context.Context, rec dnsprovider.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	m.records[rec.FQDN] = rec.Value
	return m.createErr
}

func (m *memoryDNS) RemoveRecord(_ context.Context, rec dnsprovider.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed++
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.records, rec.FQDN)
	return nil
}

func (m *memoryDNS) lookup(fqdn string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[fqdn]
	return v, ok
}

// fakePropagation records waits and optionally fails them.
type fakePropagation struct {
	mu    sync.Mutex
	waits []string
	err   error
}

func (p *fakePropagation) Wait(_ context.Context, fqdn, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, fqdn+"="+value)
	return p.err
}
