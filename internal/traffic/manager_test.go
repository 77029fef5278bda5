package traffic

import (
	"errors"
	"sync"
	"testing"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

func TestManager_UpdateLastWriterWins(t *testing.T) {
	m := NewManager(map[string]int{Blue: 100, Green: 0})

	if err := m.Update(Target{Version: Green, Percentage: 40}, Target{Version: Green, Percentage: 100}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := m.Get(Green); got != 100 {
		t.Errorf("Expected green=100, got %d", got)
	}
	// Sum is not validated by the manager
	if got := m.Sum(); got != 200 {
		t.Errorf("Expected transient sum 200, got %d", got)
	}

	if err := m.Update(Target{Version: Blue, Percentage: 0}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := m.Sum(); got != 100 {
		t.Errorf("Expected sum 100, got %d", got)
	}
}

func TestManager_UpdateRejectsOutOfRange(t *testing.T) {
	m := NewManager(map[string]int{Stable: 100, Canary: 0})

	tests := []struct {
		name   string
		target Target
	}{
		{name: "negative", target: Target{Version: Canary, Percentage: -1}},
		{name: "above 100", target: Target{Version: Canary, Percentage: 101}},
		{name: "empty version", target: Target{Percentage: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Update(tt.target)
			if !errors.Is(err, model.ErrInvalidStrategyParameters) {
				t.Errorf("Expected ErrInvalidStrategyParameters, got: %v", err)
			}
		})
	}

	// A rejected batch must not be partially applied
	err := m.Update(Target{Version: Canary, Percentage: 50}, Target{Version: Stable, Percentage: -50})
	if err == nil {
		t.Fatal("Expected error for batch with invalid target")
	}
	if got := m.Get(Canary); got != 0 {
		t.Errorf("Expected canary to stay 0, got %d", got)
	}
}

func TestManager_SnapshotIsIsolated(t *testing.T) {
	m := NewManager(map[string]int{Stable: 100, Canary: 0})
	snap := m.Snapshot()
	snap[Canary] = 99

	if got := m.Get(Canary); got != 0 {
		t.Errorf("Expected snapshot mutation not to leak, got canary=%d", got)
	}
}

func TestManager_Reset(t *testing.T) {
	m := NewManager(map[string]int{Stable: 25, Canary: 75})
	m.Reset(map[string]int{Stable: 100, Canary: 0})

	if m.Get(Stable) != 100 || m.Get(Canary) != 0 {
		t.Errorf("Expected reset split, got %v", m.Snapshot())
	}
}

func TestManager_ConcurrentReads(t *testing.T) {
	m := NewManager(map[string]int{Stable: 100, Canary: 0})

	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(2)
		go func(pct int) {
			defer wg.Done()
			_ = m.Update(TwoWay(Stable, Canary, pct)...)
		}(i)
		go func() {
			defer wg.Done()
			_ = m.Snapshot()
		}()
	}
	wg.Wait()

	if got := m.Sum(); got != 100 {
		t.Errorf("Expected sum 100 after atomic two-way updates, got %d", got)
	}
}

func TestTwoWay(t *testing.T) {
	tests := []struct {
		pct     int
		wantOld int
		wantNew int
	}{
		{pct: 0, wantOld: 100, wantNew: 0},
		{pct: 25, wantOld: 75, wantNew: 25},
		{pct: 100, wantOld: 0, wantNew: 100},
		{pct: 130, wantOld: 0, wantNew: 100},
		{pct: -5, wantOld: 100, wantNew: 0},
	}

	for _, tt := range tests {
		targets := TwoWay(Stable, Canary, tt.pct)
		if targets[0].Percentage != tt.wantOld || targets[1].Percentage != tt.wantNew {
			t.Errorf("TwoWay(%d) = %v, want stable=%d canary=%d", tt.pct, targets, tt.wantOld, tt.wantNew)
		}
	}
}
