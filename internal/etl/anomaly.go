package etl

import (
	"fmt"
	"math"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
)

const (
	ReportBaselineBuilding = "baseline_building"
	ReportNormal           = "normal"
	ReportAnomalyDetected  = "anomaly_detected"

	// spikes shorter than this are noise regardless of the ratio
	minSpikeDuration = 500 * time.Millisecond
)

type AnomalyReport struct {
	LatestRunID string             `json:"latest_run_id"`
	Status      string             `json:"status"`
	Anomalies   []string           `json:"anomalies"`
	Metrics     map[string]float64 `json:"metrics"`
}

// CompareRuns checks the latest run against a baseline of earlier successful runs
func CompareRuns(latest types.JobRun, history []types.JobRun) AnomalyReport {
	report := AnomalyReport{
		LatestRunID: latest.ID,
		Anomalies:   []string{},
		Metrics:     map[string]float64{},
	}

	if len(history) == 0 {
		report.Status = ReportBaselineBuilding
		report.Anomalies = append(report.Anomalies, "Not enough history")
		return report
	}

	var totalDuration time.Duration
	var totalRecords int
	for _, run := range history {
		totalDuration += run.Duration()
		totalRecords += run.RecordsIngested
	}
	avgDuration := totalDuration / time.Duration(len(history))
	avgRecords := float64(totalRecords) / float64(len(history))

	if !latest.Outcome.IsSuccess() {
		report.Anomalies = append(report.Anomalies, fmt.Sprintf("Critical failure: %s", latest.Outcome.Reason))
	}
	if latest.Duration() > 2*avgDuration && latest.Duration() > minSpikeDuration {
		report.Anomalies = append(report.Anomalies, "Duration spike (possible rate limit or provider slowness)")
	}
	if latest.RecordsIngested == 0 && avgRecords > 0 {
		report.Anomalies = append(report.Anomalies, "Data gap (zero records ingested)")
	}

	report.Status = ReportNormal
	if len(report.Anomalies) > 0 {
		report.Status = ReportAnomalyDetected
	}

	report.Metrics["latest_duration_ms"] = millis(latest.Duration())
	report.Metrics["avg_duration_ms"] = math.Round(millis(avgDuration)*100) / 100
	report.Metrics["latest_records"] = float64(latest.RecordsIngested)
	report.Metrics["avg_records"] = math.Round(avgRecords*100) / 100
	return report
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
