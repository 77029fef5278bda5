package traffic

import (
	"fmt"
	"sort"
	"sync"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

// Well-known split keys for the two-way strategy shapes.
const (
	Blue   = "blue"
	Green  = "green"
	Stable = "stable"
	Canary = "canary"
	Shadow = "shadow"
)

// Target assigns a percentage of live traffic to a version key.
type Target struct {
	Version    string `json:"version"`
	Percentage int    `json:"percentage"`
}

// Manager owns the traffic split of one deployment. Writes are serialized;
// reads may run concurrently. The manager does not enforce that the split
// sums to 100 because staged updates may transiently violate it.
type Manager struct {
	mu    sync.RWMutex
	split map[string]int
}

func NewManager(initial map[string]int) *Manager {
	m := &Manager{split: make(map[string]int, len(initial))}
	for k, v := range initial {
		m.split[k] = v
	}
	return m
}

// Update applies each target in order; later targets for the same key win.
func (m *Manager) Update(targets ...Target) error {
	for _, t := range targets {
		if t.Version == "" {
			return fmt.Errorf("%w: empty traffic target version", model.ErrInvalidStrategyParameters)
		}
		if t.Percentage < 0 || t.Percentage > 100 {
			return fmt.Errorf("%w: traffic percentage %d for %q out of range", model.ErrInvalidStrategyParameters, t.Percentage, t.Version)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range targets {
		m.split[t.Version] = t.Percentage
	}
	return nil
}

// Reset replaces the whole split.
func (m *Manager) Reset(split map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.split = make(map[string]int, len(split))
	for k, v := range split {
		m.split[k] = v
	}
}

func (m *Manager) Get(version string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.split[version]
}

func (m *Manager) Snapshot() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.split))
	for k, v := range m.split {
		out[k] = v
	}
	return out
}

func (m *Manager) Sum() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, v := range m.split {
		total += v
	}
	return total
}

// TwoWay returns the targets for a split between an old and a new key where
// the new key receives pct (clamped to [0,100]).
func TwoWay(oldKey, newKey string, pct int) []Target {
	pct = Clamp(pct)
	return []Target{
		{Version: oldKey, Percentage: 100 - pct},
		{Version: newKey, Percentage: pct},
	}
}

// Clamp bounds a percentage to [0,100].
func Clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Keys returns the split keys in stable order.
func Keys(split map[string]int) []string {
	keys := make([]string, 0, len(split))
	for k := range split {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
