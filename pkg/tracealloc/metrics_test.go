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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

func TestMetricsHooks(t *testing.T) {
	m := NewMetricsHooks()

	okAlloc := testutil.ToFloat64(m.alloc.ok)
	failedAlloc := testutil.ToFloat64(m.alloc.failed)
	requested := testutil.ToFloat64(m.alloc.requested)
	inuse := testutil.ToFloat64(metric.AllocInuseBytesGauge)
	objects := testutil.ToFloat64(metric.AllocInuseObjectsGauge)

	m.OnAlloc(100, 8, 0x10)
	m.OnAlloc(50, 8, 0)
	assert.Equal(t, okAlloc+1, testutil.ToFloat64(m.alloc.ok))
	assert.Equal(t, failedAlloc+1, testutil.ToFloat64(m.alloc.failed))
	assert.Equal(t, requested+150, testutil.ToFloat64(m.alloc.requested))
	assert.Equal(t, inuse+100, testutil.ToFloat64(metric.AllocInuseBytesGauge))
	assert.Equal(t, objects+1, testutil.ToFloat64(metric.AllocInuseObjectsGauge))

	m.OnRealloc(0x10, 0x20, 100, 300, 8)
	assert.Equal(t, inuse+300, testutil.ToFloat64(metric.AllocInuseBytesGauge))
	assert.Equal(t, objects+1, testutil.ToFloat64(metric.AllocInuseObjectsGauge))

	m.OnRealloc(0x20, 0, 300, 1000, 8)
	assert.Equal(t, inuse+300, testutil.ToFloat64(metric.AllocInuseBytesGauge))

	m.OnDealloc(300, 8, 0x20)
	assert.Equal(t, inuse, testutil.ToFloat64(metric.AllocInuseBytesGauge))
	assert.Equal(t, objects, testutil.ToFloat64(metric.AllocInuseObjectsGauge))
}
