package arbiter

import (
	"strings"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

// Priority values per intent type. Higher wins. Types without an explicit
// entry fall back to 40 for risk-decreasing intents and 10 otherwise.
const (
	priorityCapRecovery = 100
	priorityHardDerisk  = 80
	prioritySoftDerisk  = 60
	priorityDecrease    = 40
	priorityLTDrift     = 20
	priorityDefault     = 10
)

// Priority derives the arbitration priority of an intent. The wire-level
// priority field on the intent is ignored; this table is authoritative.
func Priority(in contracts.IntentEvent) int {
	switch in.IntentType {
	case contracts.IntentCapRecovery:
		return priorityCapRecovery
	case contracts.IntentHardDerisk:
		return priorityHardDerisk
	case contracts.IntentSoftDerisk:
		return prioritySoftDerisk
	case contracts.IntentLTBandCorrective:
		return priorityLTDrift
	case contracts.IntentMMChurn, contracts.IntentAlpha:
		return priorityDefault
	}
	if strings.HasPrefix(string(in.IntentType), "MM_") {
		return priorityDefault
	}
	if in.Classification.Effect() == contracts.EffectDecrease {
		return priorityDecrease
	}
	return priorityDefault
}

// less orders intents for deterministic output: priority descending, then
// symbol lexical order, then creation time, then intent id. Equal numeric
// priorities have no documented tie-break upstream; the secondary keys make
// re-runs reproducible.
func less(a, b contracts.IntentEvent) bool {
	pa, pb := Priority(a), Priority(b)
	if pa != pb {
		return pa > pb
	}
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.IntentID < b.IntentID
}

// isMMFlow reports whether an intent belongs to market-making churn flow.
func isMMFlow(in contracts.IntentEvent) bool {
	if in.IntentType == contracts.IntentMMChurn || in.IntentType == contracts.IntentAlpha {
		return true
	}
	return strings.HasPrefix(string(in.Classification), "MM_")
}
