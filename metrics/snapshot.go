package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// HistogramCount reads the current sample count and sum of a prometheus
// Histogram without going through the HTTP exposition format, so package
// sim can report "total rounds"/"total decision time" style CSV columns
// (SPEC_FULL.md §6's supplemented CSV reporter) directly from the
// process-local Registry.
func HistogramCount(h prometheus.Histogram) (count uint64, sum float64) {
	var m dto.Metric
	if err := h.Write(&m); err != nil || m.Histogram == nil {
		return 0, 0
	}
	return m.Histogram.GetSampleCount(), m.Histogram.GetSampleSum()
}
