package proxy

import (
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

// MetricsCollector собирает метрики форкинга и контекстов запросов.
// Реализует fork.Observer.
type MetricsCollector struct {
	contextsActive   prometheus.Gauge
	contextsTotal    *prometheus.CounterVec
	branchStates     *prometheus.CounterVec
	forwardedTotal   *prometheus.CounterVec
	relayedTotal     prometheus.Counter
	fanout           prometheus.Histogram
	timerCTotal      prometheus.Counter
	statelessTotal   *prometheus.CounterVec
	rejectedRequests *prometheus.CounterVec
}

// NewMetricsCollector регистрирует метрики в reg. nil означает prometheus.DefaultRegisterer.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const namespace, subsystem = "sip", "proxy"

	return &MetricsCollector{
		contextsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_contexts_active",
			Help:      "Number of request contexts currently forking",
		}),
		contextsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_contexts_total",
			Help:      "Total number of request contexts created",
		}, []string{"method"}),
		branchStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "branches_total",
			Help:      "Branch state transitions by target state",
		}, []string{"state"}),
		forwardedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_responses_total",
			Help:      "Final responses forwarded upstream by status class",
		}, []string{"class"}),
		relayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relayed_responses_total",
			Help:      "Provisional and additional 2xx responses relayed upstream",
		}),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fork_fanout",
			Help:      "Number of targets per request context",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		timerCTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timer_c_total",
			Help:      "Number of INVITE branches finalized by Timer C",
		}),
		statelessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stateless_forwards_total",
			Help:      "Requests forwarded without a transaction",
		}, []string{"method"}),
		rejectedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_requests_total",
			Help:      "Requests answered locally with an error",
		}, []string{"code"}),
	}
}

// BranchStateChanged реализует fork.Observer
func (m *MetricsCollector) BranchStateChanged(_ *fork.Target, _, to fork.Status) {
	m.branchStates.WithLabelValues(to.String()).Inc()
}

// BestResponseForwarded реализует fork.Observer
func (m *MetricsCollector) BestResponseForwarded(res *sip.Response) {
	m.forwardedTotal.WithLabelValues(strconv.Itoa(res.StatusCode/100) + "xx").Inc()
}

func (m *MetricsCollector) contextStarted(method sip.RequestMethod) {
	m.contextsActive.Inc()
	m.contextsTotal.WithLabelValues(string(method)).Inc()
}

func (m *MetricsCollector) contextFinished(targets int) {
	m.contextsActive.Dec()
	m.fanout.Observe(float64(targets))
}

func (m *MetricsCollector) responseRelayed() { m.relayedTotal.Inc() }
func (m *MetricsCollector) timerCFired()     { m.timerCTotal.Inc() }

func (m *MetricsCollector) statelessForward(method sip.RequestMethod) {
	m.statelessTotal.WithLabelValues(string(method)).Inc()
}

func (m *MetricsCollector) requestRejected(code int) {
	m.rejectedRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}
