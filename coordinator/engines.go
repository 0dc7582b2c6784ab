package coordinator

import (
	"sync"

	"github.com/smart-guard/exportgate/export"
	"github.com/smart-guard/exportgate/exportmode"
)

// engineMap holds one mode engine per target. The outer lock guards only map
// membership; each entry carries its own lock serializing decisions for that
// target, so one slow target never delays another's decision.
type engineMap struct {
	mu      sync.Mutex
	entries map[string]*modeEntry
}

// modeEntry pairs a target's engine with the last message seen for it. The
// message is the render scaffold for timeout-driven batch flushes, which
// arrive from the sweep loop with no message of their own.
type modeEntry struct {
	mu     sync.Mutex
	name   string
	engine *exportmode.Engine
	last   export.AlarmMessage
	seen   bool
}

func newEngineMap() *engineMap {
	return &engineMap{entries: make(map[string]*modeEntry)}
}

// entry returns the target's engine, building one from the target's stored
// mode on first use after construction or reset.
func (m *engineMap) entry(tgt export.DynamicTarget) *modeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tgt.Name]
	if !ok {
		e = &modeEntry{
			name:   tgt.Name,
			engine: exportmode.New(tgt.Mode, tgt.ModeParams),
		}
		m.entries[tgt.Name] = e
	}
	return e
}

// all snapshots the current entries for the batch sweep.
func (m *engineMap) all() []*modeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*modeEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// reset drops every engine. Buffered values are discarded with them; mode
// state never survives a registry reload.
func (m *engineMap) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*modeEntry)
}
