// Package belief keeps the fleet's last-known position of every aircraft.
//
// Entries never expire: an aircraft that stops reporting keeps repelling its
// peers from wherever it was last seen.
package belief

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Entry is the last reported position of one aircraft.
type Entry struct {
	ID       int       `json:"ac_id"`
	Position r3.Vec    `json:"position"`
	Updated  time.Time `json:"updated"`
}

// Map is safe for concurrent use by telemetry callbacks and the control
// loop.
type Map struct {
	mu      sync.RWMutex
	entries map[int]Entry
}

// NewMap returns an empty belief map.
func NewMap() *Map {
	return &Map{entries: make(map[int]Entry)}
}

// Update adds or overwrites the position of id.
func (m *Map) Update(id int, pos r3.Vec, at time.Time) {
	m.mu.Lock()
	m.entries[id] = Entry{ID: id, Position: pos, Updated: at}
	m.mu.Unlock()
}

// Len reports the number of known aircraft.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns the entry for id, if any.
func (m *Map) Get(id int) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Peers returns every entry except self, ordered by id.
func (m *Map) Peers(self int) []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for id, e := range m.entries {
		if id == self {
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View is one controller's copy of its peers, refreshed once per tick so the
// whole tick sees a consistent picture.
type View struct {
	self  int
	peers []Entry
}

// NewView returns an empty view for the aircraft self.
func NewView(self int) *View {
	return &View{self: self}
}

// Refresh copies the current peers of the view's owner out of m.
func (v *View) Refresh(m *Map) {
	v.peers = m.Peers(v.self)
}

// Peers returns the entries captured by the last Refresh.
func (v *View) Peers() []Entry {
	return v.peers
}

// Positions returns only the peer positions.
func (v *View) Positions() []r3.Vec {
	out := make([]r3.Vec, len(v.peers))
	for i, e := range v.peers {
		out[i] = e.Position
	}
	return out
}
