package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type storeMetrics struct {
	searchDuration    *prometheus.HistogramVec
	insertsTotal      prometheus.Counter
	exchangesTotal    prometheus.Gauge
	prunedTotal       prometheus.Counter
	repairIssues      prometheus.Gauge
	backupTotal       *prometheus.CounterVec
	exportTotal       *prometheus.CounterVec
	migrationsApplied prometheus.Counter
	embeddingDuration *prometheus.HistogramVec
	indexedFiles      *prometheus.CounterVec
	rpcTotal          *prometheus.CounterVec
	gatewayClients    prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *storeMetrics
)

func getMetrics() *storeMetrics {
	metricsOnce.Do(func() {
		m := &storeMetrics{
			searchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds by mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			insertsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_inserts_total",
					Help: "Total exchange upserts.",
				},
			),
			exchangesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_exchanges_total",
					Help: "Exchanges stored, as of the last stats read.",
				},
			),
			prunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_pruned_total",
					Help: "Total exchanges removed by capacity pruning.",
				},
			),
			repairIssues: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_repair_issues",
					Help: "Issues found by the most recent repair run.",
				},
			),
			backupTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_backup_total",
					Help: "Total backups by status.",
				},
				[]string{"status"},
			),
			exportTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_export_total",
					Help: "Total exports by status.",
				},
				[]string{"status"},
			),
			migrationsApplied: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_migrations_applied_total",
					Help: "Total schema migrations applied.",
				},
			),
			embeddingDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_embedding_duration_seconds",
					Help:    "Embedding generation duration in seconds by status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			indexedFiles: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_indexed_files_total",
					Help: "Conversation files indexed by status.",
				},
				[]string{"status"},
			),
			rpcTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_rpc_requests_total",
					Help: "Tool server requests by method and status.",
				},
				[]string{"method", "status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_gateway_clients",
					Help: "WebSocket clients currently connected.",
				},
			),
		}

		prometheus.MustRegister(
			m.searchDuration,
			m.insertsTotal,
			m.exchangesTotal,
			m.prunedTotal,
			m.repairIssues,
			m.backupTotal,
			m.exportTotal,
			m.migrationsApplied,
			m.embeddingDuration,
			m.indexedFiles,
			m.rpcTotal,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordSearch(mode string, duration time.Duration) {
	getMetrics().searchDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordInsert() {
	getMetrics().insertsTotal.Inc()
}

func SetExchangeCount(total int) {
	getMetrics().exchangesTotal.Set(float64(total))
}

func RecordPrune(deleted int) {
	getMetrics().prunedTotal.Add(float64(deleted))
}

func SetRepairIssues(total int) {
	getMetrics().repairIssues.Set(float64(total))
}

func RecordBackup(success bool) {
	getMetrics().backupTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordExport(success bool) {
	getMetrics().exportTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordMigrationApplied() {
	getMetrics().migrationsApplied.Inc()
}

func RecordEmbedding(duration time.Duration, success bool) {
	getMetrics().embeddingDuration.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}

func RecordIndexedFile(success bool) {
	getMetrics().indexedFiles.WithLabelValues(statusLabel(success)).Inc()
}

func RecordRPC(method string, success bool) {
	getMetrics().rpcTotal.WithLabelValues(method, statusLabel(success)).Inc()
}

func SetGatewayClients(total int) {
	getMetrics().gatewayClients.Set(float64(total))
}
