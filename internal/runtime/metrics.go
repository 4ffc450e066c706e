package runtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by the engines. Pass a nil
// registerer to keep the collectors unregistered (tests do this).
type Metrics struct {
	publishedTotal  *prometheus.CounterVec
	fanOutTotal     *prometheus.CounterVec
	replayedTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	demotionsTotal  *prometheus.CounterVec
	acksTotal       *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	subscriberGauge *prometheus.GaugeVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqflow",
			Subsystem: "pubsub",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seqflow",
			Subsystem: "pubsub",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collector set and registers it when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishedTotal:  newCounterVec("published_total", "Accepted publishes per topic.", []string{"topic"}),
		fanOutTotal:     newCounterVec("fanout_sends_total", "Messages fanned out to subscribers per topic.", []string{"topic"}),
		replayedTotal:   newCounterVec("replayed_total", "History messages replayed to (re)subscribers per topic.", []string{"topic"}),
		retriesTotal:    newCounterVec("retries_total", "Pending deliveries resent by the retry scan per topic.", []string{"topic"}),
		demotionsTotal:  newCounterVec("demotions_total", "Subscribers demoted to the offline set per topic.", []string{"topic"}),
		acksTotal:       newCounterVec("acks_total", "Delivery acknowledgements received per topic.", []string{"topic"}),
		evictionsTotal:  newCounterVec("history_evictions_total", "History entries evicted FIFO per tier.", []string{"tier"}),
		subscriberGauge: newGaugeVec("subscribers", "Currently registered subscribers per topic.", []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.publishedTotal,
			m.fanOutTotal,
			m.replayedTotal,
			m.retriesTotal,
			m.demotionsTotal,
			m.acksTotal,
			m.evictionsTotal,
			m.subscriberGauge,
		)
	}
	return m
}
