package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Bearer token checks by result.",
		},
		[]string{"result"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total number of send attempts by result.",
		},
		[]string{"result"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		},
	)

	MessageHistoryFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_history_fetched_total",
			Help: "Total number of history fetch operations.",
		},
		[]string{"scope"},
	)

	DecryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_decrypt_failures_total",
			Help: "Messages rendered as undecryptable on read.",
		},
		[]string{"scope"},
	)

	MessagesMarkedReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_marked_read_total",
			Help: "Messages transitioned from unread to read.",
		},
	)

	MessagesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_deleted_total",
			Help: "Messages deleted explicitly by a participant.",
		},
	)

	MessagesPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_purged_total",
			Help: "Expired messages removed by the background sweep.",
		},
	)

	MessagesRestampedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_restamped_total",
			Help: "Messages whose expiration was recomputed after a retention change.",
		},
	)
)

// MustRegister registers every collector on the default registry with a
// constant service label.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		MessagesSentTotal,
		MessagesCiphertextBytes,
		MessageHistoryFetchedTotal,
		DecryptFailuresTotal,
		MessagesMarkedReadTotal,
		MessagesDeletedTotal,
		MessagesPurgedTotal,
		MessagesRestampedTotal,
	)
}
