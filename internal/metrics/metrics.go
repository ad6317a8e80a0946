package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics exposes counters/histograms for outbound model calls.
type GatewayMetrics struct {
	callsTotal  *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someta",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Total chat completion calls by model and outcome",
		}, []string{"model", "status"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "someta",
			Subsystem: "gateway",
			Name:      "call_latency_seconds",
			Help:      "Latency of chat completion calls",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}, []string{"model"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.callLatency)
	return m
}

func (m *GatewayMetrics) ObserveCall(model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(model, status).Inc()
	m.callLatency.WithLabelValues(model).Observe(seconds)
}

// PipelineMetrics counts dispatcher, submission and log sink outcomes.
type PipelineMetrics struct {
	dispatchTotal   *prometheus.CounterVec
	submissionTotal *prometheus.CounterVec
	pagesTotal      *prometheus.CounterVec
	logWritesTotal  *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someta",
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Dispatched messages by type and outcome",
		}, []string{"message_type", "status"}),
		submissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someta",
			Subsystem: "submission",
			Name:      "submissions_total",
			Help:      "Graded submissions by outcome",
		}, []string{"outcome"}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someta",
			Subsystem: "submission",
			Name:      "pages_total",
			Help:      "Analyzed submission pages by outcome",
		}, []string{"outcome"}),
		logWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "someta",
			Subsystem: "log",
			Name:      "writes_total",
			Help:      "Interaction log appends by sink and outcome",
		}, []string{"sink", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchTotal, m.submissionTotal, m.pagesTotal, m.logWritesTotal)
	return m
}

func (m *PipelineMetrics) ObserveDispatch(messageType, status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(messageType, status).Inc()
}

func (m *PipelineMetrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissionTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObservePage(outcome string) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveLogWrite(sink string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.logWritesTotal.WithLabelValues(sink, status).Inc()
}
