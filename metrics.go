package eip

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing, reused here for request
// round-trip latency.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks driver-wide operational statistics across all
// sessions, connections and tags.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	SessionsOpened    atomic.Uint64
	ConnectionsOpened atomic.Uint64
	ForwardOpenErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a tag read.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a tag write.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSessionOpened records a newly created session.
func (m *Metrics) RecordSessionOpened() { m.SessionsOpened.Add(1) }

// RecordConnectionOpened records a newly created connection (counted
// when it is created, before its Forward Open completes).
func (m *Metrics) RecordConnectionOpened() { m.ConnectionsOpened.Add(1) }

// RecordForwardOpenError records a failed Forward Open attempt.
func (m *Metrics) RecordForwardOpenError() { m.ForwardOpenErrors.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the driver as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics' counters plus
// derived statistics.
type MetricsSnapshot struct {
	ReadOps, WriteOps               uint64
	ReadBytes, WriteBytes           uint64
	ReadErrors, WriteErrors         uint64
	SessionsOpened, ConnectionsOpened uint64
	ForwardOpenErrors               uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:           m.ReadOps.Load(),
		WriteOps:          m.WriteOps.Load(),
		ReadBytes:         m.ReadBytes.Load(),
		WriteBytes:        m.WriteBytes.Load(),
		ReadErrors:        m.ReadErrors.Load(),
		WriteErrors:       m.WriteErrors.Load(),
		SessionsOpened:    m.SessionsOpened.Load(),
		ConnectionsOpened: m.ConnectionsOpened.Load(),
		ForwardOpenErrors: m.ForwardOpenErrors.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset zeroes all counters, useful for tests.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.SessionsOpened.Store(0)
	m.ConnectionsOpened.Store(0)
	m.ForwardOpenErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. The driver's own
// tasklets record into Metrics directly and do not call an Observer.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveSessionOpened()
	ObserveConnectionOpened()
	ObserveForwardOpenError()
}

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveSessionOpened()             {}
func (NoOpObserver) ObserveConnectionOpened()          {}
func (NoOpObserver) ObserveForwardOpenError()          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSessionOpened()    { o.metrics.RecordSessionOpened() }
func (o *MetricsObserver) ObserveConnectionOpened() { o.metrics.RecordConnectionOpened() }
func (o *MetricsObserver) ObserveForwardOpenError() { o.metrics.RecordForwardOpenError() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
