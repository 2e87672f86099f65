package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "packets_received_total",
		Help:      "Packets received, by command tag.",
	}, []string{"command"})

	metricPacketsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "packets_sent_total",
		Help:      "Packets sent, by command tag.",
	}, []string{"command"})

	metricBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "bytes_received_total",
		Help:      "Raw bytes received across all transports.",
	})

	metricBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "bytes_sent_total",
		Help:      "Raw bytes sent across all transports.",
	})

	metricTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "transports_active",
		Help:      "Transports not yet offline.",
	})

	metricSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "sockets_active",
		Help:      "Sockets currently registered across all transports.",
	})

	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "protocol_errors_total",
		Help:      "Connection-fatal protocol errors.",
	})
)
