// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v2

import "github.com/prometheus/client_golang/prometheus"

var (
	AllocOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracealloc",
			Subsystem: "alloc",
			Name:      "operations_total",
			Help:      "Total number of traced allocator operations.",
		}, []string{"kind", "result"})

	AllocRequestedBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracealloc",
			Subsystem: "alloc",
			Name:      "requested_bytes_total",
			Help:      "Total bytes requested by traced allocator operations.",
		}, []string{"kind"})

	AllocInuseBytesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracealloc",
			Subsystem: "alloc",
			Name:      "inuse_bytes",
			Help:      "Bytes held by live allocations, as reported by the callers.",
		})

	AllocInuseObjectsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracealloc",
			Subsystem: "alloc",
			Name:      "inuse_objects",
			Help:      "Number of live allocations.",
		})

	allocDroppedEventsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracealloc",
			Subsystem: "alloc",
			Name:      "dropped_events_total",
			Help:      "Total number of events a trace sink failed to deliver.",
		}, []string{"sink"})

	AllocRemoteDroppedEventsCounter   = allocDroppedEventsCounter.WithLabelValues("remote")
	AllocRecorderDroppedEventsCounter = allocDroppedEventsCounter.WithLabelValues("recorder")
)

func initAllocMetrics() {
	registry.MustRegister(AllocOperationCounter)
	registry.MustRegister(AllocRequestedBytesCounter)
	registry.MustRegister(AllocInuseBytesGauge)
	registry.MustRegister(AllocInuseObjectsGauge)
	registry.MustRegister(allocDroppedEventsCounter)
}

var (
	heapPagesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tracealloc",
			Subsystem: "heap",
			Name:      "pages",
			Help:      "Committed and maximum pages of the linear memory heap.",
		}, []string{"type"})

	HeapCommittedPagesGauge = heapPagesGauge.WithLabelValues("committed")
	HeapMaxPagesGauge       = heapPagesGauge.WithLabelValues("max")
)

func initHeapMetrics() {
	registry.MustRegister(heapPagesGauge)
}

var (
	ObserverSessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracealloc",
			Subsystem: "observer",
			Name:      "sessions",
			Help:      "Number of active remote trace sessions.",
		})

	ObserverReceivedEventsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tracealloc",
			Subsystem: "observer",
			Name:      "received_events_total",
			Help:      "Total number of events received from remote sessions.",
		})

	ObserverDumpDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tracealloc",
			Subsystem: "observer",
			Name:      "dump_duration_seconds",
			Help:      "Bucketed histogram of dump request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.0, 16),
		})
)

func initObserverMetrics() {
	registry.MustRegister(ObserverSessionsGauge)
	registry.MustRegister(ObserverReceivedEventsCounter)
	registry.MustRegister(ObserverDumpDurationHistogram)
}
