package search

import (
	"context"
	"sort"
	"sync"

	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
)

// MemoryIndex keeps documents in process. Writes land in a pending buffer and
// become searchable on Refresh, like a near real-time search engine; Get reads
// through the buffer.
type MemoryIndex struct {
	mu          sync.RWMutex
	visible     map[string]map[id.EventID]Document
	pending     map[string]map[id.EventID]*Document
	autoRefresh bool
}

// MemoryOption configures a MemoryIndex.
type MemoryOption func(*MemoryIndex)

// WithAutoRefresh makes every write searchable immediately.
func WithAutoRefresh() MemoryOption {
	return func(m *MemoryIndex) {
		m.autoRefresh = true
	}
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	m := &MemoryIndex{
		visible: make(map[string]map[id.EventID]Document),
		pending: make(map[string]map[id.EventID]*Document),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Index stores or replaces the document.
func (m *MemoryIndex) Index(_ context.Context, name string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(name, doc.ID, &doc)
	return nil
}

// Delete removes the document. Deleting a missing document is not an error.
func (m *MemoryIndex) Delete(_ context.Context, name string, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(name, eventID, nil)
	return nil
}

func (m *MemoryIndex) stage(name string, eventID id.EventID, doc *Document) {
	if m.pending[name] == nil {
		m.pending[name] = make(map[id.EventID]*Document)
	}
	m.pending[name][eventID] = doc
	if m.autoRefresh {
		m.refreshLocked(name)
	}
}

// Get returns the latest written document, refreshed or not.
func (m *MemoryIndex) Get(_ context.Context, name string, eventID id.EventID) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if doc, ok := m.pending[name][eventID]; ok {
		if doc == nil {
			return Document{}, sentinel.ErrNotFound
		}
		return *doc, nil
	}
	doc, ok := m.visible[name][eventID]
	if !ok {
		return Document{}, sentinel.ErrNotFound
	}
	return doc, nil
}

// Search returns refreshed documents matching q ordered by tracking id. A
// limit <= 0 returns every match.
func (m *MemoryIndex) Search(ctx context.Context, name string, q Query, limit int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Document
	for _, doc := range m.visible[name] {
		if Match(doc, q) {
			hits = append(hits, doc)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].TrackingID < hits[j].TrackingID })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Refresh makes pending writes searchable.
func (m *MemoryIndex) Refresh(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked(name)
	return nil
}

func (m *MemoryIndex) refreshLocked(name string) {
	if m.visible[name] == nil {
		m.visible[name] = make(map[id.EventID]Document)
	}
	for eventID, doc := range m.pending[name] {
		if doc == nil {
			delete(m.visible[name], eventID)
			continue
		}
		m.visible[name][eventID] = *doc
	}
	delete(m.pending, name)
}
