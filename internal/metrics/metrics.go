package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hmp-balance/internal/logging"
)

var (
	TasksPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hmp",
		Subsystem: "balance",
		Name:      "tasks_pulled_total",
		Help:      "Tasks moved by cooperative pull, by trigger.",
	}, []string{"trigger"})

	ActiveBalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hmp",
		Subsystem: "balance",
		Name:      "active_balances_total",
		Help:      "Active-balance attempts by result.",
	}, []string{"result"})

	Rotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hmp",
		Subsystem: "balance",
		Name:      "rotations_total",
		Help:      "Completed rotation swaps.",
	})

	NewidleBalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hmp",
		Subsystem: "balance",
		Name:      "newidle_balances_total",
		Help:      "Newly-idle balance attempts by outcome.",
	}, []string{"result"})

	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hmp",
		Subsystem: "balance",
		Name:      "reservation_conflicts_total",
		Help:      "Balance attempts aborted because the destination was already reserved.",
	})
)

// Serve exposes the balancer counters over HTTP. It blocks, so callers
// run it on its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logging.GetLogger().WithField("addr", addr).Info("Serving metrics")
	return http.ListenAndServe(addr, mux)
}
