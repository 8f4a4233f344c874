package state

import (
	"container/list"
	"sync"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
)

type memo struct {
	eventID    id.EventID
	version    int
	lastAction id.ActionID
	index      models.EventIndex
}

// Folder memoizes folds keyed by event id and log length. A later fold of the
// same event continues from the memoized index instead of replaying the whole
// log. Safe for concurrent use.
type Folder struct {
	mu      sync.Mutex
	max     int
	entries map[id.EventID]*list.Element
	order   *list.List
}

// NewFolder builds a Folder remembering up to max events (least recently used
// are evicted). max <= 0 defaults to 1024.
func NewFolder(max int) *Folder {
	if max <= 0 {
		max = 1024
	}
	return &Folder{
		max:     max,
		entries: make(map[id.EventID]*list.Element),
		order:   list.New(),
	}
}

// Fold returns the index of the full log. The returned index shares its
// declaration and slices with the memo; callers must not mutate them.
func (f *Folder) Fold(event *models.Event) *models.EventIndex {
	n := len(event.Actions)

	f.mu.Lock()
	var start *memo
	if el, ok := f.entries[event.ID]; ok {
		m := el.Value.(*memo)
		if m.version <= n && m.version > 0 && event.Actions[m.version-1].ID == m.lastAction {
			cp := *m
			start = &cp
			f.order.MoveToFront(el)
		}
	}
	f.mu.Unlock()

	var idx *models.EventIndex
	if start != nil {
		resumed := start.index
		idx = &resumed
		for i := start.version; i < n; i++ {
			apply(idx, event, i)
		}
	} else {
		idx = Fold(event)
	}

	if n > 0 {
		f.remember(&memo{eventID: event.ID, version: n, lastAction: event.Actions[n-1].ID, index: *idx})
	}
	out := *idx
	return &out
}

func (f *Folder) remember(m *memo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.entries[m.eventID]; ok {
		if el.Value.(*memo).version > m.version {
			return
		}
		el.Value = m
		f.order.MoveToFront(el)
		return
	}
	f.entries[m.eventID] = f.order.PushFront(m)
	for f.order.Len() > f.max {
		oldest := f.order.Back()
		f.order.Remove(oldest)
		delete(f.entries, oldest.Value.(*memo).eventID)
	}
}

// Forget drops the memo of an event.
func (f *Folder) Forget(eventID id.EventID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.entries[eventID]; ok {
		f.order.Remove(el)
		delete(f.entries, eventID)
	}
}

// Len returns the number of memoized events.
func (f *Folder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}
