// Package metrics provides Prometheus metrics for the resource workspace.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_operations_total",
			Help: "Total number of committed top-level operations",
		},
		[]string{"status"},
	)

	operationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resources_operation_duration_seconds",
			Help:    "Time from operation start to commit completion",
			Buckets: prometheus.DefBuckets,
		},
	)

	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resources_commit_duration_seconds",
			Help:    "Time spent computing and dispatching the delta of a commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delta metrics
	deltaNodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_delta_nodes_total",
			Help: "Total delta nodes produced, by kind",
		},
		[]string{"kind"},
	)

	// Tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resources_tree_nodes",
			Help: "Number of nodes in the current snapshot",
		},
	)

	collapsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resources_tree_collapses_total",
			Help: "Total number of tree arena collapses",
		},
	)

	aliasRoots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resources_alias_roots",
			Help: "Number of projects and linked resources bound to a location",
		},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_notifications_total",
			Help: "Total listener notifications, by phase",
		},
		[]string{"phase"},
	)

	listenerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_listener_failures_total",
			Help: "Total listener callbacks that returned an error or panicked",
		},
		[]string{"phase"},
	)

	// Refresh and build metrics
	refreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resources_refresh_duration_seconds",
			Help:    "Time to reconcile a subtree with the local file system",
			Buckets: prometheus.DefBuckets,
		},
	)

	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_builds_total",
			Help: "Total builds run, by kind",
		},
		[]string{"kind"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_jobs_total",
			Help: "Total background jobs finished, by family and status",
		},
		[]string{"family", "status"},
	)

	// Content store metrics
	contentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_content_operations_total",
			Help: "Total content store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	contentOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resources_content_operation_duration_seconds",
			Help:    "Content store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Persistence metrics
	saveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resources_save_duration_seconds",
			Help:    "Time to persist the workspace state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// Event stream metrics
	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resources_stream_subscribers",
			Help: "Number of active delta stream subscribers",
		},
	)

	streamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resources_stream_events_total",
			Help: "Total delta stream events, by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records a committed top-level operation.
func RecordOperation(duration time.Duration, success bool) {
	operationsTotal.WithLabelValues(status(success)).Inc()
	operationDuration.Observe(duration.Seconds())
}

// RecordCommit records the time spent inside a commit.
func RecordCommit(duration time.Duration) {
	commitDuration.Observe(duration.Seconds())
}

// RecordDeltaNode counts one delta node of the given kind.
func RecordDeltaNode(kind string) {
	deltaNodesTotal.WithLabelValues(kind).Inc()
}

// SetTreeNodes sets the node count of the current snapshot.
func SetTreeNodes(count int) {
	treeNodes.Set(float64(count))
}

// RecordCollapse counts a tree collapse.
func RecordCollapse() {
	collapsesTotal.Inc()
}

// SetAliasRoots sets the number of alias roots.
func SetAliasRoots(count int) {
	aliasRoots.Set(float64(count))
}

// RecordNotification counts one listener notification.
func RecordNotification(phase string) {
	notificationsTotal.WithLabelValues(phase).Inc()
}

// RecordListenerFailure counts one failed listener callback.
func RecordListenerFailure(phase string) {
	listenerFailuresTotal.WithLabelValues(phase).Inc()
}

// RecordRefresh records refresh duration.
func RecordRefresh(duration time.Duration) {
	refreshDuration.Observe(duration.Seconds())
}

// RecordBuild counts a build.
func RecordBuild(kind string) {
	buildsTotal.WithLabelValues(kind).Inc()
}

// RecordJob counts a finished background job.
func RecordJob(family string, success bool) {
	jobsTotal.WithLabelValues(family, status(success)).Inc()
}

// RecordContentOperation records a content store operation.
func RecordContentOperation(backend, operation string, duration time.Duration, success bool) {
	contentOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
	contentOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordSave records a state save.
func RecordSave(backend string, duration time.Duration) {
	saveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SetStreamSubscribers sets the number of stream subscribers.
func SetStreamSubscribers(count int) {
	streamSubscribers.Set(float64(count))
}

// RecordStreamEvent counts a published or dropped stream event.
func RecordStreamEvent(outcome string) {
	streamEventsTotal.WithLabelValues(outcome).Inc()
}
