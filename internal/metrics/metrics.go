package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the Semaphore service
type Metrics struct {
	// Hub metrics
	HubConnections     *prometheus.GaugeVec
	HubMessages        *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	MessageDeliveryLag *prometheus.HistogramVec
	PendingAcks        *prometheus.GaugeVec
	AckReplays         *prometheus.CounterVec

	// Kafka metrics
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}
