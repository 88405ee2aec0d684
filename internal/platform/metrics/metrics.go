package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总保管链相关的计数器。
// 每个实例持有独立 registry，测试里可以并行创建而不会重复注册。
type Metrics struct {
	registry *prometheus.Registry

	CustodyAppends   *prometheus.CounterVec
	AppendConflicts  prometheus.Counter
	IntegrityChecks  *prometheus.CounterVec
	ChainVerifies    *prometheus.CounterVec
	ReportsGenerated *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CustodyAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "entries_appended_total",
			Help:      "Custody entries appended, by action.",
		}, []string{"action"}),
		AppendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "append_conflicts_total",
			Help:      "Version conflicts observed while appending custody entries.",
		}),
		IntegrityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "integrity_checks_total",
			Help:      "Evidence integrity re-verifications, by outcome (match|mismatch).",
		}, []string{"outcome"}),
		ChainVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "chain_verifications_total",
			Help:      "Chain of custody verifications, by outcome (valid|invalid).",
		}, []string{"outcome"}),
		ReportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "reports_generated_total",
			Help:      "Case reports generated, by format.",
		}, []string{"format"}),
	}

	for _, c := range []prometheus.Collector{
		m.CustodyAppends,
		m.AppendConflicts,
		m.IntegrityChecks,
		m.ChainVerifies,
		m.ReportsGenerated,
		collectors.NewGoCollector(),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler 返回 /metrics 的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 暴露底层 registry（测试用 testutil 读取计数）。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// 以下方法对 nil 接收者安全，业务代码可以不注入 Metrics。

func (m *Metrics) ObserveAppend(action string) {
	if m == nil {
		return
	}
	m.CustodyAppends.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.AppendConflicts.Inc()
}

func (m *Metrics) ObserveIntegrity(match bool) {
	if m == nil {
		return
	}
	m.IntegrityChecks.WithLabelValues(outcome(match, "match", "mismatch")).Inc()
}

func (m *Metrics) ObserveVerification(valid bool) {
	if m == nil {
		return
	}
	m.ChainVerifies.WithLabelValues(outcome(valid, "valid", "invalid")).Inc()
}

func (m *Metrics) ObserveReport(format string) {
	if m == nil {
		return
	}
	m.ReportsGenerated.WithLabelValues(format).Inc()
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
