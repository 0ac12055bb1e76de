package provider

import (
	"sync"

	"github.com/sentinelops/aegis/pkg/clock"
)

// BudgetTracker accumulates per-provider spend by calendar month (UTC). The
// window resets when the month key changes; spend from prior months is not
// carried over.
type BudgetTracker struct {
	clk clock.Clock

	mu    sync.Mutex
	month string
	spent map[string]int64
}

// NewBudgetTracker creates a tracker anchored to the given clock.
func NewBudgetTracker(clk clock.Clock) *BudgetTracker {
	if clk == nil {
		clk = clock.System{}
	}
	return &BudgetTracker{
		clk:   clk,
		spent: make(map[string]int64),
	}
}

// Record adds micros of spend for the provider in the current month.
func (b *BudgetTracker) Record(providerID string, micros int64) {
	if micros <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	b.spent[providerID] += micros
}

// Spent returns the provider's spend for the current month, in micros.
func (b *BudgetTracker) Spent(providerID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.spent[providerID]
}

// roll resets the counters when the calendar month changed. Callers hold mu.
func (b *BudgetTracker) roll() {
	key := b.clk.Now().Format("2006-01")
	if key != b.month {
		b.month = key
		b.spent = make(map[string]int64)
	}
}
