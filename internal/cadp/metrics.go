/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cadp

import "github.com/prometheus/client_golang/prometheus"

var (
	peersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortexos_cadp_peers",
		Help: "Number of registered federation peers.",
	})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortexos_cadp_messages_total",
		Help: "Inbound mesh messages by type.",
	}, []string{"type"})

	peerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortexos_cadp_peer_requests_total",
		Help: "Outbound peer calls by result.",
	}, []string{"result"})

	syncedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortexos_cadp_synced_records_total",
		Help: "Remote records merged into the local registry.",
	})

	lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortexos_cadp_lookups_total",
		Help: "Discovery lookups by direction: served locally or forwarded to peers.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(peersGauge, messagesTotal, peerRequests, syncedRecords, lookupsTotal)
}
