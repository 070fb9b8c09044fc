// Package instrument holds the Prometheus metrics of the receive layer.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	envelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_receiver_envelopes_received_total",
			Help: "Number of envelopes delivered to the caller",
		},
		[]string{"path"},
	)
	acksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_receiver_acks_sent_total",
			Help: "Number of envelope acknowledgments accepted by the server",
		},
	)
	acksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_receiver_acks_failed_total",
			Help: "Number of envelope acknowledgments that failed",
		},
	)
	pipeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_receiver_pipe_reconnects_total",
			Help: "Number of message pipe reconnects",
		},
	)
	decryptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_receiver_decrypt_failures_total",
			Help: "Number of payloads rejected by integrity checks",
		},
		[]string{"kind"},
	)
	bytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_receiver_downloaded_bytes_total",
			Help: "Number of ciphertext bytes fetched from the CDN",
		},
	)
)

var initOnce sync.Once

// Init registers the metrics with the default registry. It is safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(envelopesReceived)
		prometheus.MustRegister(acksSent)
		prometheus.MustRegister(acksFailed)
		prometheus.MustRegister(pipeReconnects)
		prometheus.MustRegister(decryptFailures)
		prometheus.MustRegister(bytesDownloaded)
	})
}

// Handler returns the HTTP handler exposing registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EnvelopeReceived counts an envelope handed to the caller. path is "pipe" or "rest".
func EnvelopeReceived(path string) {
	envelopesReceived.With(prometheus.Labels{"path": path}).Inc()
}

func AckSent() {
	acksSent.Inc()
}

func AckFailed() {
	acksFailed.Inc()
}

func PipeReconnect() {
	pipeReconnects.Inc()
}

// DecryptFailure counts a rejected payload by kind ("attachment", "sticker", "avatar", "envelope").
func DecryptFailure(kind string) {
	decryptFailures.With(prometheus.Labels{"kind": kind}).Inc()
}

func BytesDownloaded(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}
