package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

var (
	ErrDuplicateOrder = errors.New("order already registered")
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderTerminal  = errors.New("order already terminal")
	ErrOverfill       = errors.New("fill exceeds order quantity")
)

// Order is the registry's view of one order. Classification and the risk
// deltas are copied from the originating intent at registration and never
// recomputed; every emitted event carries them verbatim.
type Order struct {
	OrderID           string
	IntentID          string
	Symbol            string
	Side              contracts.TradeAction
	Classification    contracts.OrderClassification
	Quantity          float64
	FilledQuantity    float64
	AvgFillPrice      float64
	RiskDeltaNotional float64
	RiskDeltaGrossPct float64
	State             contracts.OrderAction

	seenFills map[string]struct{}
}

// Event builds an order event for the current state, copying the audit
// fields through unchanged.
func (o *Order) Event(action contracts.OrderAction, meta contracts.OrderMetadata) contracts.OrderEvent {
	return contracts.OrderEvent{
		OrderID:           o.OrderID,
		Symbol:            o.Symbol,
		Action:            action,
		Side:              o.Side,
		Quantity:          o.Quantity,
		FilledQuantity:    o.FilledQuantity,
		AvgFillPrice:      o.AvgFillPrice,
		Classification:    o.Classification,
		Bucket:            o.Classification.Bucket(),
		Direction:         o.Classification.Direction(),
		Effect:            o.Classification.Effect(),
		IntentID:          o.IntentID,
		RiskDeltaNotional: o.RiskDeltaNotional,
		RiskDeltaGrossPct: o.RiskDeltaGrossPct,
		Metadata:          meta,
	}
}

type entry struct {
	mu    sync.Mutex
	order *Order
}

// Registry is the explicit store for live orders. Each order id has a single
// logical owner: its entry lock serializes updates to that order while
// different order ids proceed independently. Terminal orders move to a
// bounded tombstone cache so late or replayed signals can still be
// recognized after unregistration.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]*entry
	byIntent map[string]string

	terminals *terminalCache
	fills     *boundedSet
	statuses  *boundedSet
}

// NewRegistry creates an empty registry. capacity bounds the tombstone and
// dedup caches, not the live order count.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1 << 16
	}
	return &Registry{
		live:      map[string]*entry{},
		byIntent:  map[string]string{},
		terminals: newTerminalCache(capacity),
		fills:     newBoundedSet(capacity),
		statuses:  newBoundedSet(capacity),
	}
}

// Register adds a live order. A duplicate order id or intent id is refused;
// re-processing an intent must reuse the order it already spawned.
func (r *Registry) Register(o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[o.OrderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.OrderID)
	}
	if _, ok := r.terminals.get(o.OrderID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.OrderID)
	}
	if o.IntentID != "" {
		if prev, ok := r.byIntent[o.IntentID]; ok {
			return fmt.Errorf("%w: intent %s already spawned order %s", ErrDuplicateOrder, o.IntentID, prev)
		}
		r.byIntent[o.IntentID] = o.OrderID
	}
	if o.seenFills == nil {
		o.seenFills = map[string]struct{}{}
	}
	r.live[o.OrderID] = &entry{order: o}
	observ.OrdersOpen.Inc()
	return nil
}

// OrderForIntent returns the order id an intent already spawned, if any.
func (r *Registry) OrderForIntent(intentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIntent[intentID]
	return id, ok
}

// With runs fn under the order's entry lock. If fn leaves the order in a
// terminal state the order is unregistered and tombstoned atomically, so no
// later caller can reopen it.
func (r *Registry) With(orderID string, fn func(o *Order) error) error {
	r.mu.RLock()
	e, ok := r.live[orderID]
	r.mu.RUnlock()
	if !ok {
		if _, terminal := r.terminals.get(orderID); terminal {
			return ErrOrderTerminal
		}
		return ErrOrderNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.order.State.IsTerminal() {
		// Completed between lookup and lock.
		return ErrOrderTerminal
	}
	err := fn(e.order)
	if e.order.State.IsTerminal() {
		r.complete(e.order)
	}
	return err
}

// TerminalState returns the final state of an unregistered order.
func (r *Registry) TerminalState(orderID string) (*Order, bool) {
	return r.terminals.get(orderID)
}

// SeenFill reports whether a fill id was already applied to a completed
// order.
func (r *Registry) SeenFill(orderID, fillID string) bool {
	return r.fills.has(orderID + "|" + fillID)
}

// StatusSeen reports whether a status event key was already applied.
func (r *Registry) StatusSeen(orderID string, status contracts.OrderAction, eventID string) bool {
	return r.statuses.has(orderID + "|" + string(status) + "|" + eventID)
}

// MarkStatus records a status event key after it was applied, returning
// false when it was seen before.
func (r *Registry) MarkStatus(orderID string, status contracts.OrderAction, eventID string) bool {
	return r.statuses.add(orderID + "|" + string(status) + "|" + eventID)
}

// Tombstone records a terminal order that was never registered live, such as
// an intent rejected before acceptance.
func (r *Registry) Tombstone(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals.add(o.OrderID, o)
}

// Live reports whether the order is currently registered.
func (r *Registry) Live(orderID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[orderID]
	return ok
}

// Open returns the number of live orders.
func (r *Registry) Open() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) complete(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, o.OrderID)
	if o.IntentID != "" {
		delete(r.byIntent, o.IntentID)
	}
	for fid := range o.seenFills {
		r.fills.add(o.OrderID + "|" + fid)
	}
	r.terminals.add(o.OrderID, o)
	observ.OrdersOpen.Dec()
}

// boundedSet is a FIFO-evicting string set.
type boundedSet struct {
	mu    sync.Mutex
	cap   int
	keys  map[string]struct{}
	order []string
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{cap: capacity, keys: map[string]struct{}{}}
}

// add inserts the key, returning false if it was already present.
func (s *boundedSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	for len(s.order) > s.cap {
		delete(s.keys, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (s *boundedSet) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// terminalCache is a FIFO-evicting map of completed orders.
type terminalCache struct {
	mu    sync.Mutex
	cap   int
	items map[string]*Order
	order []string
}

func newTerminalCache(capacity int) *terminalCache {
	return &terminalCache{cap: capacity, items: map[string]*Order{}}
}

func (c *terminalCache) add(id string, o *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; ok {
		c.items[id] = o
		return
	}
	c.items[id] = o
	c.order = append(c.order, id)
	for len(c.order) > c.cap {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *terminalCache) get(id string) (*Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.items[id]
	return o, ok
}
