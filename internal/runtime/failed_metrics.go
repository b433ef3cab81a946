package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FailedQueueMetrics tracks failed-queue statistics.
type FailedQueueMetrics struct {
	mu sync.RWMutex

	// Per-topic counts
	topicCounts map[string]*FailedTopicMetrics

	// Prometheus collectors
	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	droppedTotal    *prometheus.CounterVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	retryCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// FailedTopicMetrics holds failed-queue metrics for a specific topic.
type FailedTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesDropped  uint64    `json:"messages_dropped"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// FailedMetricsSnapshot provides a point-in-time view of failed-queue metrics.
type FailedMetricsSnapshot struct {
	TotalMessages uint64                         `json:"total_messages"`
	TotalReplayed uint64                         `json:"total_replayed"`
	TotalPurged   uint64                         `json:"total_purged"`
	TopicMetrics  map[string]*FailedTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                      `json:"collected_at"`
}

// newFailedCounterVec creates a new counter vec with standard docflow/failed_queue namespace.
func newFailedCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "failed_queue",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newFailedGaugeVec creates a new gauge vec with standard docflow/failed_queue namespace.
func newFailedGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "failed_queue",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newFailedHistogramVec creates a new histogram vec with standard docflow/failed_queue namespace.
func newFailedHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "failed_queue",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewFailedQueueMetrics creates a new failed-queue metrics collector.
func NewFailedQueueMetrics(registerer prometheus.Registerer) *FailedQueueMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FailedQueueMetrics{
		topicCounts:     make(map[string]*FailedTopicMetrics),
		registerer:      registerer,
		messagesTotal:   newFailedCounterVec("messages_total", "Total number of messages parked in the failed queue", []string{"topic", "handler"}),
		messagesCurrent: newFailedGaugeVec("messages_current", "Current number of messages in the failed queue", []string{"topic"}),
		droppedTotal:    newFailedCounterVec("dropped_total", "Total number of messages dropped without a failure event", []string{"topic", "reason"}),
		replayedTotal:   newFailedCounterVec("replayed_total", "Total number of messages replayed from the failed queue", []string{"topic"}),
		purgedTotal:     newFailedCounterVec("purged_total", "Total number of messages purged from the failed queue", []string{"topic"}),
		ageSecondsHist:  newFailedHistogramVec("message_age_seconds", "Age of messages when parked (time since first attempt)", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"topic"}),
		retryCountHist:  newFailedHistogramVec("retry_count", "Number of retries before the message was parked", []float64{1, 2, 3, 5, 10, 20}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *FailedQueueMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.droppedTotal,
		m.replayedTotal,
		m.purgedTotal,
		m.ageSecondsHist,
		m.retryCountHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessageFailed records a message being parked in the failed queue.
func (m *FailedQueueMetrics) RecordMessageFailed(topic, handler string, retryCount int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Update internal metrics
	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	metrics.LastUpdatedAt = time.Now()
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = time.Now()
	}
	metrics.NewestMessageAt = time.Now()

	// Update average retry count (rolling average)
	total := metrics.MessagesReceived
	metrics.AvgRetryCount = ((metrics.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	// Update Prometheus metrics
	m.messagesTotal.WithLabelValues(topic, handler).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(topic).Observe(messageAge.Seconds())
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordMessageDropped records a message dropped without a failure event,
// e.g. because it failed envelope or schema validation.
func (m *FailedQueueMetrics) RecordMessageDropped(topic, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesDropped++
	metrics.LastUpdatedAt = time.Now()

	m.droppedTotal.WithLabelValues(topic, reason).Inc()
}

// RecordMessageReplayed records a message being replayed from the failed queue.
func (m *FailedQueueMetrics) RecordMessageReplayed(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReplayed++
	if metrics.MessagesCurrent > 0 {
		metrics.MessagesCurrent--
	}
	metrics.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
}

// RecordMessagesPurged records messages being purged from the failed queue.
func (m *FailedQueueMetrics) RecordMessagesPurged(topic string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesPurged += uint64(count)
	if metrics.MessagesCurrent >= uint64(count) {
		metrics.MessagesCurrent -= uint64(count)
	} else {
		metrics.MessagesCurrent = 0
	}
	metrics.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
}

// SetCurrentCount directly sets the current message count (for sync with the durable store).
func (m *FailedQueueMetrics) SetCurrentCount(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesCurrent = count
	metrics.LastUpdatedAt = time.Now()

	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all failed-queue metrics.
func (m *FailedQueueMetrics) GetSnapshot() FailedMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := FailedMetricsSnapshot{
		TopicMetrics: make(map[string]*FailedTopicMetrics),
		CollectedAt:  time.Now(),
	}

	for topic, metrics := range m.topicCounts {
		// Create a copy
		metricsCopy := &FailedTopicMetrics{
			MessagesReceived: metrics.MessagesReceived,
			MessagesCurrent:  metrics.MessagesCurrent,
			MessagesDropped:  metrics.MessagesDropped,
			MessagesReplayed: metrics.MessagesReplayed,
			MessagesPurged:   metrics.MessagesPurged,
			OldestMessageAt:  metrics.OldestMessageAt,
			NewestMessageAt:  metrics.NewestMessageAt,
			AvgRetryCount:    metrics.AvgRetryCount,
			LastUpdatedAt:    metrics.LastUpdatedAt,
		}
		snapshot.TopicMetrics[topic] = metricsCopy
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReplayed += metrics.MessagesReplayed
		snapshot.TotalPurged += metrics.MessagesPurged
	}

	return snapshot
}

// GetTopicMetrics returns metrics for a specific topic.
func (m *FailedQueueMetrics) GetTopicMetrics(topic string) *FailedTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		// Return a copy
		return &FailedTopicMetrics{
			MessagesReceived: metrics.MessagesReceived,
			MessagesCurrent:  metrics.MessagesCurrent,
			MessagesDropped:  metrics.MessagesDropped,
			MessagesReplayed: metrics.MessagesReplayed,
			MessagesPurged:   metrics.MessagesPurged,
			OldestMessageAt:  metrics.OldestMessageAt,
			NewestMessageAt:  metrics.NewestMessageAt,
			AvgRetryCount:    metrics.AvgRetryCount,
			LastUpdatedAt:    metrics.LastUpdatedAt,
		}
	}
	return nil
}

func (m *FailedQueueMetrics) getOrCreateTopicMetrics(topic string) *FailedTopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &FailedTopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *FailedQueueMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*FailedTopicMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.droppedTotal.Reset()
	m.replayedTotal.Reset()
	m.purgedTotal.Reset()
	m.ageSecondsHist.Reset()
	m.retryCountHist.Reset()
}
