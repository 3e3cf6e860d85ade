package handler

import (
	"custodex.com/internal/custody/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 批次业务指标 (HTTP 层指标由 ginprom 负责)
var (
	cycleDeposits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "cycle_deposits_total",
		Help:      "Deposits processed per cycle stage",
	}, []string{"network", "stage"})

	cycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "cycle_errors_total",
		Help:      "Errors accumulated during cycles",
	}, []string{"network"})
)

func observeReport(report *domain.CycleReport) {
	if report == nil {
		return
	}
	cycleDeposits.WithLabelValues(report.Network, "detected").Add(float64(report.Detected))
	cycleDeposits.WithLabelValues(report.Network, "confirmed").Add(float64(report.Confirmed))
	cycleDeposits.WithLabelValues(report.Network, "below_minimum").Add(float64(report.BelowMinimum))
	cycleDeposits.WithLabelValues(report.Network, "credited").Add(float64(report.Credited))
	cycleDeposits.WithLabelValues(report.Network, "swept").Add(float64(report.Swept))
	cycleErrors.WithLabelValues(report.Network).Add(float64(len(report.Errors)))
}
