/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package finops

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	recordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexos_finops_records_total",
			Help: "Total consumption records appended to the ledger",
		},
	)
	ledgerSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexos_finops_ledger_size",
			Help: "Current number of records held in the ledger",
		},
	)
	ledgerTrimmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexos_finops_ledger_trimmed_total",
			Help: "Records dropped by FIFO trimming at maxRecords",
		},
	)
	budgetAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexos_finops_budget_alerts_total",
			Help: "Budget alert signals fired, by budget level",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(recordsTotal, ledgerSize, ledgerTrimmed, budgetAlerts)
}
