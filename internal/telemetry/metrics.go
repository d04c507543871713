/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// Pipelines
	PipelineStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_pipeline_starts_total",
		Help: "Pipelines started per channel",
	}, []string{"channel"})

	PipelineStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_pipeline_status_total",
		Help: "Pipeline status signals per channel",
	}, []string{"channel", "status"})

	PipelineRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_pipeline_restarts_total",
		Help: "Pipeline restarts per channel and reason",
	}, []string{"channel", "reason"})

	// Streams
	StreamBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_stream_bytes_total",
		Help: "Encoded media bytes received from pipelines",
	}, []string{"channel", "track"})

	StreamMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_stream_messages_total",
		Help: "Framed messages delivered to sinks",
	}, []string{"channel", "kind"})

	ChannelOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_relay_channel_online",
		Help: "1 when the channel has delivered video for its current pipeline",
	}, []string{"channel"})

	ChannelWatchers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_relay_channel_watchers",
		Help: "Downstream watchers per channel",
	}, []string{"channel"})

	PushErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_push_errors_total",
		Help: "RTMP push connection or write failures",
	}, []string{"channel"})

	// Playout
	PlaylistAdvances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_playlist_advances_total",
		Help: "Playlist item transitions per channel",
	}, []string{"channel"})

	// Database
	DatabaseQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimnir_relay_db_query_duration_seconds",
		Help:    "Database operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_db_errors_total",
		Help: "Failed database operations",
	}, []string{"operation", "table"})

	DatabaseConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_relay_db_connections_open",
		Help: "Open database connections",
	})

	// API
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimnir_relay_api_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_api_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_relay_api_active_connections",
		Help: "In-flight HTTP requests",
	})

	APIWebSocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_relay_api_websocket_connections",
		Help: "Open event websocket connections",
	})

	// Push leadership
	LeaderElectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_relay_push_leader",
		Help: "1 while this instance holds the push leadership",
	}, []string{"instance_id"})

	LeaderElectionChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_relay_push_leader_changes_total",
		Help: "Push leadership transitions",
	}, []string{"instance_id", "transition"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PipelineStarts,
		PipelineStatus,
		PipelineRestarts,
		StreamBytes,
		StreamMessages,
		ChannelOnline,
		ChannelWatchers,
		PushErrors,
		PlaylistAdvances,
		DatabaseQueryDuration,
		DatabaseErrorsTotal,
		DatabaseConnectionsOpen,
		APIRequestDuration,
		APIRequestsTotal,
		APIActiveConnections,
		APIWebSocketConnections,
		LeaderElectionStatus,
		LeaderElectionChanges,
	)
}

// Registry returns the registry all relay metrics are registered with.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
