// Package metrics collects the handful of Prometheus counters and
// histograms the API surface emits, as package-level collectors
// registered once at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoginAttempts counts every login attempt, successful or not.
	LoginAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secure_audio_login_attempts_total",
		Help: "Number of login attempts.",
	})
	// LoginFailures counts failed login attempts, including lockouts.
	LoginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secure_audio_login_failures_total",
		Help: "Number of failed login attempts.",
	})
	// UploadChunksReceived counts chunks accepted by the assembler.
	UploadChunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secure_audio_upload_chunks_received_total",
		Help: "Number of upload chunks written to disk.",
	})
	// UploadsFinalized counts uploads that completed assembly successfully.
	UploadsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secure_audio_uploads_finalized_total",
		Help: "Number of uploads successfully finalized into an audio file.",
	})
	// UploadsAborted counts uploads that failed integrity checks at finalize.
	UploadsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secure_audio_uploads_aborted_total",
		Help: "Number of uploads aborted due to an integrity failure at finalize.",
	})
	// StreamRequests counts range requests served by the streaming engine,
	// labeled by response status (200, 206, 416, 404, 500).
	StreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secure_audio_stream_requests_total",
		Help: "Number of range streaming requests served, by response status.",
	}, []string{"status"})

	collectors = []prometheus.Collector{
		LoginAttempts, LoginFailures, UploadChunksReceived, UploadsFinalized, UploadsAborted, StreamRequests,
	}
)

func init() {
	prometheus.MustRegister(collectors...)
}

// Handler returns the /metrics HTTP handler the server exposes.
func Handler() http.Handler {
	return promhttp.Handler()
}
