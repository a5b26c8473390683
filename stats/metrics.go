package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MonteCarloClub/powminer/mining"
)

const metricsNamespace = "powminer"

// ShareCounter exposes the pool's verdicts on submitted shares.
type ShareCounter interface {
	Accepted() uint64
	Rejected() uint64
}

// RegisterMetrics registers a hash counter per worker and the share verdict
// counters with reg.  Values are read from the live counters at scrape time.
func RegisterMetrics(reg prometheus.Registerer, counters []*mining.HashCounter,
	shares ShareCounter) error {

	for i, c := range counters {
		c := c
		hashes := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "worker_hashes_total",
			Help:        "Hashes computed by a mining worker.",
			ConstLabels: prometheus.Labels{"worker": strconv.Itoa(i)},
		}, func() float64 {
			return float64(c.Load())
		})
		if err := reg.Register(hashes); err != nil {
			return err
		}
	}

	if shares == nil {
		return nil
	}

	accepted := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "shares_accepted_total",
		Help:      "Shares accepted by the pool.",
	}, func() float64 {
		return float64(shares.Accepted())
	})
	rejected := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "shares_rejected_total",
		Help:      "Shares rejected by the pool.",
	}, func() float64 {
		return float64(shares.Rejected())
	})
	for _, m := range []prometheus.Collector{accepted, rejected} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}
