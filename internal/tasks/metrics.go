package tasks

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const metricPrefix = "spacefleet_"

// MetricFamilies returns the executor's self-monitoring counters as
// Prometheus metric families.
func (e *Executor) MetricFamilies() []*dto.MetricFamily {
	agent := e.GetAgentMetrics()
	task := e.GetTaskMetrics()

	return []*dto.MetricFamily{
		Counter("commands_processed_total", "Remote commands executed.", float64(agent.CommandsProcessed)),
		Counter("commands_errored_total", "Remote commands that failed.", float64(agent.CommandsErrored)),
		Counter("collections_total", "Per-host collections run.", float64(task.CollectionCount)),
		Counter("collection_failures_total", "Per-host collections that failed.", float64(task.CollectionFailures)),
		Counter("deep_scans_total", "Remote deep scans run.", float64(task.DeepScanCount)),
		Counter("deep_scan_failures_total", "Remote deep scans that failed.", float64(task.DeepScanFailures)),
		Counter("alerts_raised_total", "Alert events emitted.", float64(task.AlertsRaised)),
		Gauge("memory_sys_megabytes", "Go runtime memory obtained from the OS.", agent.MemoryUsageMB),
		Gauge("memory_rss_megabytes", "Resident set size of the collector process.", agent.MemoryRSSMB),
		Gauge("goroutines", "Live goroutines.", float64(agent.Goroutines)),
		Gauge("uptime_seconds", "Seconds since the collector started.", float64(agent.UptimeSeconds)),
	}
}

// Counter builds a single-sample counter family
func Counter(name, help string, value float64) *dto.MetricFamily {
	return family(name, help, dto.MetricType_COUNTER, &dto.Metric{Counter: &dto.Counter{Value: &value}})
}

// Gauge builds a single-sample gauge family
func Gauge(name, help string, value float64) *dto.MetricFamily {
	return family(name, help, dto.MetricType_GAUGE, &dto.Metric{Gauge: &dto.Gauge{Value: &value}})
}

// LabeledGauge builds a gauge family with one sample per label value
func LabeledGauge(name, help, label string, values map[string]float64) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	metrics := make([]*dto.Metric, 0, len(keys))
	for _, k := range keys {
		labelName, labelValue, v := label, k, values[k]
		metrics = append(metrics, &dto.Metric{
			Label: []*dto.LabelPair{{Name: &labelName, Value: &labelValue}},
			Gauge: &dto.Gauge{Value: &v},
		})
	}
	return family(name, help, dto.MetricType_GAUGE, metrics...)
}

func family(name, help string, typ dto.MetricType, metrics ...*dto.Metric) *dto.MetricFamily {
	fullName := metricPrefix + name
	return &dto.MetricFamily{
		Name:   &fullName,
		Help:   &help,
		Type:   typ.Enum(),
		Metric: metrics,
	}
}

// WriteMetrics encodes families in the Prometheus text exposition format
func WriteMetrics(w io.Writer, families []*dto.MetricFamily) error {
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
