package metrics

import (
	"os"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"drover/pkg/logx"
)

// SnapshotSummary aggregates the counters of a written snapshot.
type SnapshotSummary struct {
	Iterations  int64
	Successes   int64
	Failures    int64
	RateLimited int64
}

// ReadSnapshot parses a Prometheus text-format snapshot from disk.
func ReadSnapshot(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, logx.Wrap(err, "open metrics snapshot")
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, logx.Wrap(err, "parse metrics snapshot")
	}
	return families, nil
}

// SummarizeSnapshot reads a snapshot and totals its iteration and rate
// limit counters across all label sets.
func SummarizeSnapshot(path string) (SnapshotSummary, error) {
	families, err := ReadSnapshot(path)
	if err != nil {
		return SnapshotSummary{}, err
	}

	var summary SnapshotSummary
	if family, ok := families["drover_iterations_total"]; ok {
		for _, m := range family.GetMetric() {
			value := int64(m.GetCounter().GetValue())
			summary.Iterations += value
			for _, label := range m.GetLabel() {
				if label.GetName() != "outcome" {
					continue
				}
				switch label.GetValue() {
				case OutcomeSuccess:
					summary.Successes += value
				case OutcomeFailure:
					summary.Failures += value
				}
			}
		}
	}
	if family, ok := families["drover_rate_limited_total"]; ok {
		for _, m := range family.GetMetric() {
			summary.RateLimited += int64(m.GetCounter().GetValue())
		}
	}
	return summary, nil
}
