// Package heartbeat tracks per-bus GPS liveness. State is process-local and
// rebuilt from incoming samples after a restart.
package heartbeat

import (
	"sort"
	"sync"
	"time"
)

// Record is a bus's liveness entry.
type Record struct {
	BusID       string    `json:"busId"`
	CompanyID   string    `json:"companyId,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	SampleCount int64     `json:"sampleCount"`
}

type entry struct {
	Record
	flagged bool // reported stale since the last sample
}

// Monitor stores the last-seen time per bus. It is safe for concurrent use.
type Monitor struct {
	mu    sync.RWMutex
	buses map[string]*entry
}

func NewMonitor() *Monitor {
	return &Monitor{buses: map[string]*entry{}}
}

// Record notes a sample for busID taken at ts.
func (m *Monitor) Record(busID string, ts time.Time) {
	m.RecordFor(busID, "", ts)
}

// RecordFor is Record plus the owning company, kept for stale notifications.
// An older ts never moves LastSeenAt backwards; the sample is still counted.
func (m *Monitor) RecordFor(busID, companyID string, ts time.Time) {
	if busID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buses[busID]
	if !ok {
		e = &entry{Record: Record{BusID: busID}}
		m.buses[busID] = e
	}
	if companyID != "" {
		e.CompanyID = companyID
	}
	if ts.After(e.LastSeenAt) {
		e.LastSeenAt = ts
	}
	e.SampleCount++
	e.flagged = false
}

// IsStale reports whether now - lastSeen > threshold. A bus never seen is stale.
func (m *Monitor) IsStale(busID string, now time.Time, threshold time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.buses[busID]
	if !ok {
		return true
	}
	return now.Sub(e.LastSeenAt) > threshold
}

// Get returns the record for busID.
func (m *Monitor) Get(busID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.buses[busID]
	if !ok {
		return Record{}, false
	}
	return e.Record, true
}

// Snapshot returns every record ordered by bus id.
func (m *Monitor) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.buses))
	for _, e := range m.buses {
		out = append(out, e.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}

// sweep classifies every bus and returns the stale count plus the buses that
// turned stale since the previous sweep.
func (m *Monitor) sweep(now time.Time, threshold time.Duration) (stale int, flipped []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.buses {
		if now.Sub(e.LastSeenAt) <= threshold {
			continue
		}
		stale++
		if !e.flagged {
			e.flagged = true
			flipped = append(flipped, e.Record)
		}
	}
	sort.Slice(flipped, func(i, j int) bool { return flipped[i].BusID < flipped[j].BusID })
	return stale, flipped
}
