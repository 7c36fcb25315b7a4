package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "orders_submitted_total",
			Help:      "Total orders accepted into a pair mailbox.",
		},
		[]string{"pair", "type"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "orders_rejected_total",
			Help:      "Total orders rejected before or during matching.",
		},
		[]string{"pair", "reason"},
	)

	TradesMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "trades_matched_total",
			Help:      "Total executions produced by the matching engine.",
		},
		[]string{"pair"},
	)

	MailboxFull = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "engine_mailbox_full_total",
			Help:      "Commands dropped because a pair mailbox was full.",
		},
		[]string{"pair"},
	)

	SettleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidiaspot",
			Name:      "settle_duration_seconds",
			Help:      "Wall time to settle one execution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pair"},
	)

	Liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "liquidations_total",
			Help:      "Forced liquidations triggered by the risk sweep.",
		},
		[]string{"pair"},
	)

	ADLEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "adl_events_total",
			Help:      "Liquidation shortfalls not covered by the insurance fund.",
		},
	)

	EscrowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidiaspot",
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by target state.",
		},
		[]string{"state"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		OrdersSubmitted,
		OrdersRejected,
		TradesMatched,
		MailboxFull,
		SettleDuration,
		Liquidations,
		ADLEvents,
		EscrowTransitions,
	)
}
