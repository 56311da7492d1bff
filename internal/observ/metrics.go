package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IntentsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_intents_consumed_total", Help: "Raw intents read from the intents stream"})
	DuplicateIntents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_intents_duplicate_total", Help: "Intents absorbed by idempotency-key dedupe"})
	IntentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qe_intents_dropped_total", Help: "Intents dropped during arbitration, by reason"}, []string{"reason"})
	IntentsArbitrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_intents_arbitrated_total", Help: "Intents that survived arbitration"})

	GuardBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qe_guard_blocks_total", Help: "Guard rules fired, by rule"}, []string{"rule"})
	GuardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_guard_failures_total", Help: "Guard evaluations that failed closed"})

	OrdersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qe_orders_open", Help: "Orders currently registered in the live registry"})
	OrdersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_orders_rejected_total", Help: "Orders rejected before or by the broker"})
	FillsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_fills_applied_total", Help: "Distinct fills applied to orders"})
	DuplicateFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_fills_duplicate_total", Help: "Fill replays absorbed by fill_id dedupe"})
	EarlyFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_fills_early_total", Help: "Fills buffered because they arrived before their order"})
	DuplicateStatuses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_status_duplicate_total", Help: "Order status replays absorbed by event-id dedupe"})
	CancelRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_cancel_rejects_total", Help: "Cancel attempts rejected (terminal order or broker race)"})

	MalformedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qe_events_malformed_total", Help: "Stream entries dropped as malformed, by stream"}, []string{"stream"})
	ReclaimedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qe_stream_reclaimed_total", Help: "Pending stream entries reclaimed from dead consumers"})
)

// Handler exposes the metrics registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
