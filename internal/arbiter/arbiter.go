package arbiter

import (
	"fmt"
	"sort"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

// Mode is the session regime the arbiter runs under.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeCapRecovery Mode = "cap_recovery"
)

// DropReason attributes a suppressed intent to exactly one pipeline stage.
type DropReason string

const (
	DropCapRecovery      DropReason = "cap_recovery"
	DropMMSuppressed     DropReason = "mm_suppressed"
	DropLTSuppressed     DropReason = "lt_suppressed"
	DropSymbolConflict   DropReason = "symbol_conflict"
	DropArbitrationError DropReason = "arbitration_error"
)

// Drop is one suppressed intent with its reason, kept for audit.
type Drop struct {
	Intent contracts.IntentEvent `json:"intent"`
	Reason DropReason            `json:"reason"`
}

// Config holds the arbitration thresholds. CapRecoveryTarget is the gross
// level recovery works back down to: while the session regime demands cap
// recovery, the gate stays active only until gross falls to the target, so
// normal flow resumes without waiting for the regime to flip back. Zero
// means no target and the regime alone keeps the gate active.
// MMOvernightMaxPct caps the market-making book going into the close; zero
// disables the gate.
type Config struct {
	MaxGrossExposurePct   float64
	SoftSuppressThreshold float64
	CapRecoveryTarget     float64
	MMOvernightMaxPct     float64
}

// The MM overnight gate arms this many minutes before the close.
const mmOvernightWindowMin = 30

// Inputs is the market context one tick is arbitrated against, snapshotted
// from the exposure and session streams.
type Inputs struct {
	GrossExposurePct float64
	Mode             Mode
	MMExposurePct    float64
	MinutesToClose   int
}

// Arbiter resolves a batch of raw intents into an executable list. It is
// stateless per call: the same batch and inputs always produce the same
// output, so re-running a tick is safe.
type Arbiter struct {
	cfg Config
}

// New creates an arbiter with the given thresholds.
func New(cfg Config) *Arbiter {
	return &Arbiter{cfg: cfg}
}

// Arbitrate applies the suppression pipeline and per-symbol conflict
// resolution, returning survivors in priority order plus every drop with its
// single attributable reason.
func (a *Arbiter) Arbitrate(intents []contracts.IntentEvent, tick Inputs) ([]contracts.IntentEvent, []Drop) {
	var drops []Drop

	capActive := tick.GrossExposurePct >= a.cfg.MaxGrossExposurePct
	if tick.Mode == ModeCapRecovery && (a.cfg.CapRecoveryTarget <= 0 || tick.GrossExposurePct > a.cfg.CapRecoveryTarget) {
		capActive = true
	}
	hardDeriskActive := false
	for _, in := range intents {
		switch in.IntentType {
		case contracts.IntentCapRecovery:
			capActive = true
		case contracts.IntentHardDerisk:
			hardDeriskActive = true
		}
	}
	mmSuppressed := capActive || hardDeriskActive || tick.GrossExposurePct > a.cfg.SoftSuppressThreshold
	// Near the close an MM book already past its overnight cap must not
	// add; churn that reduces the book still flows.
	mmOvernight := a.cfg.MMOvernightMaxPct > 0 && tick.MinutesToClose > 0 &&
		tick.MinutesToClose <= mmOvernightWindowMin && tick.MMExposurePct >= a.cfg.MMOvernightMaxPct

	var kept []contracts.IntentEvent
	for _, in := range intents {
		switch {
		case capActive && in.Classification.IsRiskIncreasing() && in.IntentType != contracts.IntentCapRecovery:
			drops = append(drops, Drop{Intent: in, Reason: DropCapRecovery})
		case isMMFlow(in) && (mmSuppressed || (mmOvernight && in.Classification.IsRiskIncreasing())):
			drops = append(drops, Drop{Intent: in, Reason: DropMMSuppressed})
		case hardDeriskActive && in.IntentType == contracts.IntentLTBandCorrective:
			drops = append(drops, Drop{Intent: in, Reason: DropLTSuppressed})
		default:
			kept = append(kept, in)
		}
	}

	bySymbol := map[string][]contracts.IntentEvent{}
	var symbols []string
	for _, in := range kept {
		if _, ok := bySymbol[in.Symbol]; !ok {
			symbols = append(symbols, in.Symbol)
		}
		bySymbol[in.Symbol] = append(bySymbol[in.Symbol], in)
	}
	sort.Strings(symbols)

	var out []contracts.IntentEvent
	for _, sym := range symbols {
		survivors, symDrops, err := resolveSymbol(bySymbol[sym])
		if err != nil {
			// Never execute under ambiguous arbitration: the whole group
			// is dropped and the upstream engine reissues next cycle.
			observ.Error("arbitration_symbol_failed", map[string]any{"symbol": sym, "error": err.Error()})
			for _, in := range bySymbol[sym] {
				drops = append(drops, Drop{Intent: in, Reason: DropArbitrationError})
			}
			continue
		}
		out = append(out, survivors...)
		drops = append(drops, symDrops...)
	}

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })

	for _, d := range drops {
		observ.IntentsDropped.WithLabelValues(string(d.Reason)).Inc()
		observ.Log("intent_dropped", map[string]any{
			"intent_id": d.Intent.IntentID,
			"symbol":    d.Intent.Symbol,
			"type":      string(d.Intent.IntentType),
			"reason":    string(d.Reason),
		})
	}
	observ.IntentsArbitrated.Add(float64(len(out)))
	return out, drops
}

// resolveSymbol merges same-(direction,effect) intents and resolves
// conflicts within one symbol. A panic here is converted to an error so one
// bad group cannot take down the tick.
func resolveSymbol(group []contracts.IntentEvent) (survivors []contracts.IntentEvent, drops []Drop, err error) {
	defer func() {
		if r := recover(); r != nil {
			survivors, drops = nil, nil
			err = fmt.Errorf("resolve symbol group: %v", r)
		}
	}()

	merged := mergeGroup(group)

	sort.SliceStable(merged, func(i, j int) bool { return less(merged[i], merged[j]) })

	// For each direction only the highest-priority candidate survives.
	byDir := map[contracts.Direction]contracts.IntentEvent{}
	var dirs []contracts.Direction
	for _, in := range merged {
		dir := in.Classification.Direction()
		if _, ok := byDir[dir]; ok {
			drops = append(drops, Drop{Intent: in, Reason: DropSymbolConflict})
			continue
		}
		byDir[dir] = in
		dirs = append(dirs, dir)
	}

	// Two surviving derisk routes on one symbol: only one executes. Prefer
	// the cheaper route when both carry an estimated cost, else the higher
	// priority (dirs preserves the sorted order).
	if len(dirs) == 2 {
		a, b := byDir[dirs[0]], byDir[dirs[1]]
		if a.Classification.Effect() == contracts.EffectDecrease &&
			b.Classification.Effect() == contracts.EffectDecrease {
			keep, lose := a, b
			if a.Metadata.EstimatedCost != nil && b.Metadata.EstimatedCost != nil &&
				*b.Metadata.EstimatedCost < *a.Metadata.EstimatedCost {
				keep, lose = b, a
			}
			drops = append(drops, Drop{Intent: lose, Reason: DropSymbolConflict})
			return []contracts.IntentEvent{keep}, drops, nil
		}
	}

	for _, dir := range dirs {
		survivors = append(survivors, byDir[dir])
	}
	return survivors, drops, nil
}

// mergeGroup folds intents sharing (direction, effect) into one: quantities
// and risk deltas sum, identity comes from the highest-priority member.
func mergeGroup(group []contracts.IntentEvent) []contracts.IntentEvent {
	type key struct {
		dir contracts.Direction
		eff contracts.Effect
	}
	acc := map[key]contracts.IntentEvent{}
	var order []key
	for _, in := range group {
		k := key{in.Classification.Direction(), in.Classification.Effect()}
		cur, ok := acc[k]
		if !ok {
			acc[k] = in
			order = append(order, k)
			continue
		}
		m := cur
		if Priority(in) > Priority(cur) {
			// Adopt type, reason, classification and identity from the
			// stronger intent; quantities and deltas still sum.
			m = in
		}
		m.Quantity = cur.Quantity + in.Quantity
		m.RiskDeltaNotional = cur.RiskDeltaNotional + in.RiskDeltaNotional
		m.RiskDeltaGrossPct = cur.RiskDeltaGrossPct + in.RiskDeltaGrossPct
		m.Metadata.EstimatedCost = sumCosts(cur.Metadata.EstimatedCost, in.Metadata.EstimatedCost)
		acc[k] = m
	}
	out := make([]contracts.IntentEvent, 0, len(acc))
	for _, k := range order {
		out = append(out, acc[k])
	}
	return out
}

func sumCosts(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		s := *a + *b
		return &s
	}
}
