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

package tracealloc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

type kindMetrics struct {
	ok        prometheus.Counter
	failed    prometheus.Counter
	requested prometheus.Counter
}

func newKindMetrics(kind Kind) kindMetrics {
	return kindMetrics{
		ok:        metric.AllocOperationCounter.WithLabelValues(kind.String(), "ok"),
		failed:    metric.AllocOperationCounter.WithLabelValues(kind.String(), "failed"),
		requested: metric.AllocRequestedBytesCounter.WithLabelValues(kind.String()),
	}
}

func (k kindMetrics) observe(size uint64, addr malloc.Address) bool {
	k.requested.Add(float64(size))
	if addr == malloc.NullAddress {
		k.failed.Inc()
		return false
	}
	k.ok.Inc()
	return true
}

// MetricsHooks exports operation counters and in-use gauges. In-use
// values are derived from the sizes callers report, so an invalid free
// lowers them too.
type MetricsHooks struct {
	alloc       kindMetrics
	allocZeroed kindMetrics
	dealloc     kindMetrics
	realloc     kindMetrics

	inuseBytes   prometheus.Gauge
	inuseObjects prometheus.Gauge
}

var _ Hooks = new(MetricsHooks)

func NewMetricsHooks() *MetricsHooks {
	return &MetricsHooks{
		alloc:        newKindMetrics(KindAlloc),
		allocZeroed:  newKindMetrics(KindAllocZeroed),
		dealloc:      newKindMetrics(KindDealloc),
		realloc:      newKindMetrics(KindRealloc),
		inuseBytes:   metric.AllocInuseBytesGauge,
		inuseObjects: metric.AllocInuseObjectsGauge,
	}
}

func (m *MetricsHooks) OnAlloc(size, _ uint64, addr malloc.Address) {
	if m.alloc.observe(size, addr) {
		m.inuseBytes.Add(float64(size))
		m.inuseObjects.Inc()
	}
}

func (m *MetricsHooks) OnAllocZeroed(size, _ uint64, addr malloc.Address) {
	if m.allocZeroed.observe(size, addr) {
		m.inuseBytes.Add(float64(size))
		m.inuseObjects.Inc()
	}
}

func (m *MetricsHooks) OnDealloc(size, _ uint64, _ malloc.Address) {
	m.dealloc.requested.Add(float64(size))
	m.dealloc.ok.Inc()
	m.inuseBytes.Sub(float64(size))
	m.inuseObjects.Dec()
}

func (m *MetricsHooks) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, _ uint64) {
	if !m.realloc.observe(newSize, newAddr) {
		return
	}
	if oldAddr == malloc.NullAddress {
		m.inuseObjects.Inc()
	} else {
		m.inuseBytes.Sub(float64(oldSize))
	}
	m.inuseBytes.Add(float64(newSize))
}
