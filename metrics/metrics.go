package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qqchat_online_users",
		Help: "Number of users with a live session",
	})

	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qqchat_open_connections",
		Help: "Number of open client connections, authenticated or not",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qqchat_requests_total",
		Help: "Total requests processed by kind",
	}, []string{"kind"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qqchat_request_processing_seconds",
		Help:    "Time to process each request kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qqchat_deliveries_total",
		Help: "Records pushed to sessions, by result",
	}, []string{"result"})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqchat_session_evictions_total",
		Help: "Sessions evicted after a failed delivery",
	})
)

func init() {
	prometheus.MustRegister(OnlineUsers)
	prometheus.MustRegister(OpenConnections)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(EvictionsTotal)
}
