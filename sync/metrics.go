package sync

import "github.com/tangramdotdev/tangram/metrics"

const (
	subsystem = "sync"

	kindProcess = "process"
	kindObject  = "object"
)

var (
	sessionsStarted = metrics.NewCounter(
		"sessions_started_total",
		subsystem,
		"Number of sync sessions started.",
		nil,
	)
	sessionsFailed = metrics.NewCounter(
		"sessions_failed_total",
		subsystem,
		"Number of sync sessions that ended with an error.",
		nil,
	)
	itemsSent = metrics.NewCounter(
		"items_sent_total",
		subsystem,
		"Items served to the peer.",
		[]string{"kind"},
	)
	itemsReceived = metrics.NewCounter(
		"items_received_total",
		subsystem,
		"Items received from the peer.",
		[]string{"kind"},
	)
	itemsSkipped = metrics.NewCounter(
		"items_skipped_total",
		subsystem,
		"Announced items that could not be served because the local store lacks them.",
		[]string{"kind"},
	)
	completeEmitted = metrics.NewCounter(
		"complete_emitted_total",
		subsystem,
		"Completeness assertions sent to the peer.",
		[]string{"kind"},
	)
	sessionDuration = metrics.NewHistogramWithBuckets(
		"session_duration_seconds",
		subsystem,
		"Wall time of completed sync sessions.",
		nil,
		[]float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800},
	)
)
