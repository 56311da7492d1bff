package guard

import (
	"sync"
	"time"
)

// change3hWindow is the lookback for the net-change guard.
const change3hWindow = 3 * time.Hour

// RollingTracker is the in-memory WindowTracker used in-process. It
// accumulates executed adds per trading day (UTC day boundary, rolled over
// lazily) and keeps a pruned record of signed position changes for the
// 3-hour window.
type RollingTracker struct {
	mu      sync.Mutex
	symbols map[string]*symbolWindow
}

type symbolWindow struct {
	day          time.Time // UTC midnight anchoring the daily accumulator
	dailyAddUsed float64
	changes      []change
}

type change struct {
	at    time.Time
	delta float64
}

// NewRollingTracker creates an empty tracker.
func NewRollingTracker() *RollingTracker {
	return &RollingTracker{symbols: map[string]*symbolWindow{}}
}

// RecordAdd accumulates executed add quantity against the daily limit.
func (t *RollingTracker) RecordAdd(symbol string, qty float64, now time.Time) {
	if qty <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.window(symbol, now)
	w.dailyAddUsed += qty
}

// RecordChange records a signed position change for the 3-hour window.
func (t *RollingTracker) RecordChange(symbol string, delta float64, now time.Time) {
	if delta == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.window(symbol, now)
	w.changes = append(w.changes, change{at: now, delta: delta})
}

// Windows returns the current rolling state for a symbol.
func (t *RollingTracker) Windows(symbol string, now time.Time) Windows {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.window(symbol, now)
	var net float64
	for _, c := range w.changes {
		net += c.delta
	}
	return Windows{DailyAddUsed: w.dailyAddUsed, NetChange3h: net}
}

// window fetches the per-symbol state, rolling the trading day and pruning
// expired 3h entries on access.
func (t *RollingTracker) window(symbol string, now time.Time) *symbolWindow {
	w, ok := t.symbols[symbol]
	if !ok {
		w = &symbolWindow{day: dayOf(now)}
		t.symbols[symbol] = w
	}
	if day := dayOf(now); !day.Equal(w.day) {
		w.day = day
		w.dailyAddUsed = 0
	}
	cutoff := now.Add(-change3hWindow)
	kept := w.changes[:0]
	for _, c := range w.changes {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	w.changes = kept
	return w
}

func dayOf(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StaticTable is a fixed in-memory StaticProvider, used for tests and for
// configs that inline their symbol universe.
type StaticTable map[string]StaticData

// Lookup implements StaticProvider.
func (t StaticTable) Lookup(symbol string) (StaticData, bool) {
	sd, ok := t[symbol]
	return sd, ok
}
