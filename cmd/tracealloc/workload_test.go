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

package main

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/recorder"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/remote"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/tracker"
)

func testWorkloadConfig() *Config {
	cfg := &Config{
		Heap:     malloc.HeapConfig{MaxPages: 64},
		Workload: WorkloadConfig{Operations: 400, Seed: 7, MaxSize: 512, LeakEvery: 5},
	}
	cfg.SetDefaultValues()
	return cfg
}

func TestWorkloadLeaksAndDoubleFree(t *testing.T) {
	cfg := testWorkloadConfig()
	heap, err := malloc.NewHeapAllocator(cfg.Heap)
	require.NoError(t, err)
	defer heap.Close()

	tr := tracker.New(tracker.WithoutSiteCapture())
	w := &workload{
		cfg:   cfg.Workload,
		rng:   rand.New(rand.NewSource(cfg.Workload.Seed)),
		alloc: tracealloc.NewTracingAllocator[malloc.Allocator](heap, tr),
	}
	w.run(true)

	// only leaks survive
	for _, b := range w.blocks {
		assert.True(t, b.leak)
	}
	stats := tr.Stats()
	assert.Equal(t, len(w.blocks), stats.LiveObjects)
	assert.Equal(t, heap.Stats().InuseObjects, uint64(stats.LiveObjects))
	assert.Equal(t, 1, stats.InvalidFrees)
	assert.Zero(t, stats.FailedAllocations)

	invalid := tr.InvalidFrees()
	require.Len(t, invalid, 1)
	assert.Equal(t, tracker.DoubleFree, invalid[0].Reason)
}

func TestWorkloadIsDeterministic(t *testing.T) {
	run := func() []tracker.Record {
		cfg := testWorkloadConfig()
		heap, err := malloc.NewHeapAllocator(cfg.Heap)
		require.NoError(t, err)
		defer heap.Close()
		tr := tracker.New(tracker.WithoutSiteCapture())
		w := &workload{
			cfg:   cfg.Workload,
			rng:   rand.New(rand.NewSource(cfg.Workload.Seed)),
			alloc: tracealloc.NewTracingAllocator[malloc.Allocator](heap, tr),
		}
		w.run(false)
		return tr.LiveAllocations()
	}
	first := run()
	require.NotEmpty(t, first)
	assert.Equal(t, first, run())
}

func TestWorkloadGoAllocator(t *testing.T) {
	cfg := testWorkloadConfig()
	cfg.Workload.Allocator = allocatorGo

	var out bytes.Buffer
	tr, err := runWorkload(context.Background(), &out, cfg, "")
	require.NoError(t, err)
	stats := tr.Stats()
	assert.Equal(t, 1, stats.InvalidFrees)
	assert.Zero(t, stats.FailedAllocations)
	for _, r := range tr.LiveAllocations() {
		assert.Zero(t, uint64(r.Address)%r.Align, r.Address.String())
	}
}

func TestWorkloadRecordAndReplay(t *testing.T) {
	cfg := testWorkloadConfig()
	cfg.Recorder.Path = filepath.Join(t.TempDir(), "trace.lz4")

	var out bytes.Buffer
	tr, err := runWorkload(context.Background(), &out, cfg, "")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Live Allocations")
	assert.Contains(t, out.String(), "Invalid Free")

	replayed := tracker.New(tracker.WithoutSiteCapture())
	n, err := recorder.ReplayFile(cfg.Recorder.Path, replayed)
	require.NoError(t, err)
	assert.Equal(t, tr.Stats().Events, uint64(n))

	byAddress := tracker.DumpOptions{Key: tracker.KeyByAddress}
	assert.Equal(t, tr.DumpLiveAllocations(byAddress), replayed.DumpLiveAllocations(byAddress))
	assert.Equal(t, tr.DumpInvalidFrees(byAddress), replayed.DumpInvalidFrees(byAddress))

	// sites recorded in-process resolve to the same fingerprints
	assert.Equal(t, tr.DumpLiveAllocations(tracker.DumpOptions{}), replayed.DumpLiveAllocations(tracker.DumpOptions{}))

	out.Reset()
	pprofPath := filepath.Join(t.TempDir(), "heap.pb.gz")
	require.NoError(t, runReplay(&out, []string{cfg.Recorder.Path}, replayOptions{key: "address", pprof: pprofPath, workers: 2}))
	assert.Contains(t, out.String(), cfg.Recorder.Path)

	f, err := os.Open(pprofPath)
	require.NoError(t, err)
	defer f.Close()
	prof, err := profile.Parse(f)
	require.NoError(t, err)
	assert.NotEmpty(t, prof.Sample)
}

func TestReplayErrors(t *testing.T) {
	var out bytes.Buffer
	dir := t.TempDir()

	err := runReplay(&out, []string{"a", "b"}, replayOptions{pprof: "x"})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))

	err = runReplay(&out, []string{"a"}, replayOptions{key: "color"})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrUnknownSelector))

	bad := filepath.Join(dir, "bad.lz4")
	require.NoError(t, os.WriteFile(bad, []byte("not a trace"), 0o644))
	assert.Error(t, runReplay(&out, []string{bad, filepath.Join(dir, "missing.lz4")}, replayOptions{workers: 2}))
}

func TestWorkloadRemote(t *testing.T) {
	defer leaktest.AfterTest(t)()
	srv, err := remote.NewServer(remote.Config{ListenAddress: "127.0.0.1:0", MaxSessions: 2}, remote.WithServerLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Close()
	addr := srv.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	tr, err := runWorkload(ctx, &out, testWorkloadConfig(), addr)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "dropped 0")

	out.Reset()
	require.NoError(t, runDump(ctx, &out, addr, remote.DumpRequest{Table: remote.TableLive, Key: "address"}))
	for _, r := range tr.LiveAllocations() {
		assert.Contains(t, out.String(), r.Address.String())
	}

	out.Reset()
	require.NoError(t, runDump(ctx, &out, addr, remote.DumpRequest{Table: dumpSessions}))
	assert.Contains(t, out.String(), "Invalid Frees")

	err = runDump(ctx, &out, addr, remote.DumpRequest{Table: "leaks"})
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrInvalidArg))
}

func TestDebugHandler(t *testing.T) {
	h := newDebugHandler()
	for _, path := range []string{"/metrics", "/debug/pprof/"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
