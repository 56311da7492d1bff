package guard

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

// Action is a position change class the guard can allow or forbid.
type Action string

const (
	ActionFlat        Action = "FLAT"
	ActionAddLong     Action = "ADD_LONG"
	ActionAddShort    Action = "ADD_SHORT"
	ActionReduceLong  Action = "REDUCE_LONG"
	ActionReduceShort Action = "REDUCE_SHORT"
)

const defaultEpsilon = 1e-9

// Status names a guard rule that fired.
type Status string

const (
	StatusOK         Status = "OK"
	StatusBlockAdd   Status = "BLOCK_ADD"
	StatusBlockCross Status = "BLOCK_CROSS"
	StatusBlockDaily Status = "BLOCK_DAILY"
	StatusBlock3h    Status = "BLOCK_3H"
)

// StaticData is the per-symbol reference data consumed from the static data
// provider. MaxAlw wins when present and positive; otherwise AvgADV is the
// fallback basis for the computed limit.
type StaticData struct {
	MaxAlw float64 `json:"maxalw"`
	AvgADV float64 `json:"avg_adv"`
}

// StaticProvider serves per-symbol static data.
type StaticProvider interface {
	Lookup(symbol string) (StaticData, bool)
}

// Windows is the bounded rolling-window state the guard needs: cumulative
// adds for the trading day and the signed net change over the last 3 hours.
type Windows struct {
	DailyAddUsed float64 `json:"daily_add_used"`
	NetChange3h  float64 `json:"net_change_3h"`
}

// WindowTracker supplies rolling-window state per symbol.
type WindowTracker interface {
	Windows(symbol string, now time.Time) Windows
}

// Config holds the static guard parameters.
type Config struct {
	ADVDivisor              float64
	DailyAddLimitMultiplier float64
	Change3hLimitMultiplier float64
	Epsilon                 float64
}

// Defaults fills zero fields with the standard parameters.
func (c Config) Defaults() Config {
	if c.ADVDivisor <= 0 {
		c.ADVDivisor = 10
	}
	if c.DailyAddLimitMultiplier <= 0 {
		c.DailyAddLimitMultiplier = 0.75
	}
	if c.Change3hLimitMultiplier <= 0 {
		c.Change3hLimitMultiplier = 0.50
	}
	if c.Epsilon <= 0 {
		c.Epsilon = defaultEpsilon
	}
	return c
}

// Reason records the inputs and thresholds behind a verdict so a denial can
// be audited without replaying the evaluation.
type Reason struct {
	MaxAlw        float64 `json:"maxalw"`
	DailyAddLimit float64 `json:"daily_add_limit"`
	DailyAddUsed  float64 `json:"daily_add_used"`
	Change3hLimit float64 `json:"change_3h_limit"`
	NetChange3h   float64 `json:"net_change_3h"`
	BefdayQty     float64 `json:"befday_qty"`
	CurrentQty    float64 `json:"current_qty"`
	PotentialQty  float64 `json:"potential_qty"`
	Error         string  `json:"error,omitempty"`
}

// Verdict is the allowed-action set plus the rules that fired.
type Verdict struct {
	MaxAlw   float64  `json:"maxalw"`
	Allowed  []Action `json:"allowed_actions"`
	Statuses []Status `json:"guard_status"`
	Reason   Reason   `json:"guard_reason"`
}

// Allows reports whether the verdict permits an action.
func (v Verdict) Allows(a Action) bool {
	for _, got := range v.Allowed {
		if got == a {
			return true
		}
	}
	return false
}

// PermitsQuantity checks a concrete order size against the verdict. The
// allowed-action set gates the action class; this additionally enforces the
// remaining daily-add headroom and the MAXALW potential cap for adds, and
// the cross-block for reduces sized past flat: a book opened long never
// flips short within the session, and symmetrically for shorts.
func (v Verdict) PermitsQuantity(a Action, qty float64) (bool, Status) {
	if !v.Allows(a) {
		for _, s := range v.Statuses {
			if s != StatusOK {
				return false, s
			}
		}
		return false, StatusBlockAdd
	}
	switch a {
	case ActionAddLong, ActionAddShort:
		if v.MaxAlw > 0 {
			if v.Reason.DailyAddUsed+qty > v.Reason.DailyAddLimit {
				return false, StatusBlockDaily
			}
			if math.Abs(v.Reason.PotentialQty)+qty > v.MaxAlw {
				return false, StatusBlockAdd
			}
		}
	case ActionReduceLong:
		if v.Reason.BefdayQty > defaultEpsilon && v.Reason.PotentialQty-qty < -defaultEpsilon {
			return false, StatusBlockCross
		}
	case ActionReduceShort:
		if v.Reason.BefdayQty < -defaultEpsilon && v.Reason.PotentialQty+qty > defaultEpsilon {
			return false, StatusBlockCross
		}
	}
	return true, StatusOK
}

// Blocked reports whether a specific rule fired.
func (v Verdict) Blocked(s Status) bool {
	for _, got := range v.Statuses {
		if got == s {
			return true
		}
	}
	return false
}

// Evaluator evaluates guard rules against injected collaborators. It holds
// no mutable state of its own; evaluation is deterministic given the snapshot
// and the tracker's window state.
type Evaluator struct {
	static  StaticProvider
	tracker WindowTracker
	cfg     Config
}

// NewEvaluator wires the guard to its static data and window collaborators.
func NewEvaluator(static StaticProvider, tracker WindowTracker, cfg Config) *Evaluator {
	return &Evaluator{static: static, tracker: tracker, cfg: cfg.Defaults()}
}

// Evaluate computes the allowed-action set for a symbol. It never panics: any
// failure inside evaluation collapses to a fully-denying verdict (FLAT only)
// with an error-tagged reason.
func (e *Evaluator) Evaluate(symbol string, snap contracts.PositionSnapshot, now time.Time) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("guard_evaluate_panic", map[string]any{"symbol": symbol, "panic": fmt.Sprint(r)})
			observ.GuardFailures.Inc()
			verdict = denyAll(snap, fmt.Sprintf("guard evaluation panic: %v", r))
		}
	}()
	return e.evaluate(symbol, snap, now)
}

func denyAll(snap contracts.PositionSnapshot, errText string) Verdict {
	return Verdict{
		Allowed:  []Action{ActionFlat},
		Statuses: []Status{StatusBlockAdd},
		Reason: Reason{
			BefdayQty:    snap.BefdayQty,
			CurrentQty:   snap.CurrentQty,
			PotentialQty: snap.PotentialQty,
			Error:        errText,
		},
	}
}

func (e *Evaluator) evaluate(symbol string, snap contracts.PositionSnapshot, now time.Time) Verdict {
	eps := e.cfg.Epsilon

	static, _ := e.static.Lookup(symbol)
	maxAlw := resolveMaxAlw(static, e.cfg.ADVDivisor)

	win := e.tracker.Windows(symbol, now)

	var dailyLimit, change3hLimit float64
	blockDaily, block3h := false, false
	if maxAlw > 0 {
		dailyLimit = maxAlw * e.cfg.DailyAddLimitMultiplier
		change3hLimit = maxAlw * e.cfg.Change3hLimitMultiplier
		blockDaily = win.DailyAddUsed >= dailyLimit
		block3h = math.Abs(win.NetChange3h) >= change3hLimit
	}

	// Cross-blocking is the hard invariant: a book that opened long may
	// reduce to flat but never flip short within the session, and
	// symmetrically for a book that opened short.
	crossBlockShort := snap.BefdayQty > eps
	crossBlockLong := snap.BefdayQty < -eps

	capBlocked := maxAlw > 0 && math.Abs(snap.PotentialQty) >= maxAlw

	allowed := map[Action]bool{ActionFlat: true}
	statuses := map[Status]bool{}

	addLong := true
	if crossBlockLong {
		addLong = false
		statuses[StatusBlockCross] = true
	}
	addShort := true
	if crossBlockShort {
		addShort = false
		statuses[StatusBlockCross] = true
	}
	if capBlocked {
		if addLong || addShort {
			statuses[StatusBlockAdd] = true
		}
		addLong, addShort = false, false
	}
	if blockDaily {
		if addLong || addShort {
			statuses[StatusBlockDaily] = true
		}
		addLong, addShort = false, false
	}
	if block3h {
		if addLong || addShort {
			statuses[StatusBlock3h] = true
		}
		addLong, addShort = false, false
	}
	allowed[ActionAddLong] = addLong
	allowed[ActionAddShort] = addShort
	allowed[ActionReduceLong] = snap.CurrentQty > eps
	allowed[ActionReduceShort] = snap.CurrentQty < -eps

	verdict := Verdict{
		MaxAlw: maxAlw,
		Reason: Reason{
			MaxAlw:        maxAlw,
			DailyAddLimit: dailyLimit,
			DailyAddUsed:  win.DailyAddUsed,
			Change3hLimit: change3hLimit,
			NetChange3h:   win.NetChange3h,
			BefdayQty:     snap.BefdayQty,
			CurrentQty:    snap.CurrentQty,
			PotentialQty:  snap.PotentialQty,
		},
	}
	for a, ok := range allowed {
		if ok {
			verdict.Allowed = append(verdict.Allowed, a)
		}
	}
	sort.Slice(verdict.Allowed, func(i, j int) bool { return verdict.Allowed[i] < verdict.Allowed[j] })

	if len(statuses) == 0 {
		verdict.Statuses = []Status{StatusOK}
	} else {
		for s := range statuses {
			verdict.Statuses = append(verdict.Statuses, s)
			observ.GuardBlocks.WithLabelValues(string(s)).Inc()
		}
		sort.Slice(verdict.Statuses, func(i, j int) bool { return verdict.Statuses[i] < verdict.Statuses[j] })
	}
	return verdict
}

// resolveMaxAlw picks the explicit per-symbol cap when present, else derives
// it from average daily volume. Zero means no MAXALW-based restriction.
func resolveMaxAlw(static StaticData, advDivisor float64) float64 {
	if static.MaxAlw > 0 {
		return static.MaxAlw
	}
	if static.AvgADV > 0 && advDivisor > 0 {
		return static.AvgADV / advDivisor
	}
	return 0
}

// ActionFor maps an intent's classification onto the guard action it needs.
func ActionFor(c contracts.OrderClassification) Action {
	switch {
	case c.Direction() == contracts.DirectionLong && c.Effect() == contracts.EffectIncrease:
		return ActionAddLong
	case c.Direction() == contracts.DirectionShort && c.Effect() == contracts.EffectIncrease:
		return ActionAddShort
	case c.Direction() == contracts.DirectionLong && c.Effect() == contracts.EffectDecrease:
		return ActionReduceLong
	case c.Direction() == contracts.DirectionShort && c.Effect() == contracts.EffectDecrease:
		return ActionReduceShort
	default:
		return ActionFlat
	}
}
