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
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/recorder"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/remote"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/tracker"
	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

func workloadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Drive a seeded synthetic workload through a traced heap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, func(cfg *Config) {
				overrideInt(cmd, "ops", &cfg.Workload.Operations)
				overrideInt64(cmd, "seed", &cfg.Workload.Seed)
				overrideString(cmd, "record", &cfg.Recorder.Path)
				overrideString(cmd, "allocator", &cfg.Workload.Allocator)
			})
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("remote")
			_, err = runWorkload(cmd.Context(), cmd.OutOrStdout(), cfg, addr)
			return err
		},
	}
	cmd.Flags().Int("ops", 0, "number of operations")
	cmd.Flags().Int64("seed", 0, "random seed")
	cmd.Flags().String("allocator", "", "traced upstream allocator, heap or go")
	cmd.Flags().String("record", "", "also record the trace to this file")
	cmd.Flags().String("remote", "", "also stream the trace to the observer at this address")
	return cmd
}

type block struct {
	addr  malloc.Address
	size  uint64
	align uint64
	leak  bool
}

type workload struct {
	cfg    WorkloadConfig
	rng    *rand.Rand
	alloc  *tracealloc.TracingAllocator[malloc.Allocator]
	blocks []block
	allocs int
}

var workloadAligns = []uint64{1, 2, 4, 8, 16, 32, 64}

const goAllocatorBufferSize = 64 * malloc.MB

// runWorkload returns the in-process tracker after printing its dumps.
func runWorkload(ctx context.Context, out io.Writer, cfg *Config, remoteAddr string) (*tracker.Tracker, error) {
	logger := logutil.GetGlobalLogger().Named("workload")

	var upstream malloc.Allocator
	var heap *malloc.HeapAllocator
	switch cfg.Workload.Allocator {
	case allocatorGo:
		goAlloc := malloc.NewGoAllocator(goAllocatorBufferSize)
		defer func() {
			stats := goAlloc.Stats()
			logger.Info("go allocator",
				zap.Int("pinned", stats.Pinned),
				zap.Int64("reused", stats.Reused),
				zap.Int64("recycled", stats.Recycled),
			)
		}()
		upstream = goAlloc
	default:
		var err error
		heap, err = malloc.NewHeapAllocator(cfg.Heap)
		if err != nil {
			return nil, err
		}
		defer heap.Close()
		upstream = heap
	}

	tr := tracker.New()
	hooks := []tracealloc.Hooks{tr, tracealloc.NewMetricsHooks()}

	if cfg.Recorder.Path != "" {
		rec, err := recorder.Create(cfg.Recorder.Path, recorder.WithSiteCapture())
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Error("failed to close trace file", zap.Error(err))
			}
			logger.Info("trace recorded",
				zap.String("path", cfg.Recorder.Path),
				zap.Uint64("written", rec.Written()),
				zap.Uint64("dropped", rec.Dropped()),
			)
		}()
		hooks = append(hooks, rec)
	}

	if remoteAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := remote.Dial(dialCtx, remoteAddr)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		sess, err := c.OpenSession(dialCtx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := sess.Close(); err != nil {
				logger.Error("failed to close trace session", zap.Error(err))
			}
			fmt.Fprintf(out, "session %s: sent %d, dropped %d\n", sess.ID(), sess.Sent(), sess.Dropped())
		}()
		hooks = append(hooks, sess)
	}

	w := &workload{
		cfg:   cfg.Workload,
		rng:   rand.New(rand.NewSource(cfg.Workload.Seed)),
		alloc: tracealloc.NewTracingAllocator(upstream, tracealloc.MultiHooks(hooks...)),
	}
	w.run(heap == nil || cfg.Heap.InvalidFree != malloc.InvalidFreePanic)

	logger.Info("workload done",
		zap.String("allocator", w.cfg.Allocator),
		zap.Int("operations", w.cfg.Operations),
		zap.Int64("seed", w.cfg.Seed),
	)
	if heap != nil {
		stats := heap.Stats()
		metric.HeapCommittedPagesGauge.Set(float64(stats.Pages))
		metric.HeapMaxPagesGauge.Set(float64(stats.MaxPages))
		logger.Info("heap",
			zap.Uint32("pages", stats.Pages),
			zap.Uint64("inuse-bytes", stats.InuseBytes),
			zap.Uint64("peak-inuse-bytes", stats.PeakInuse),
			zap.Int("free-blocks", stats.FreeBlocks),
		)
	}

	if err := writeDumps(out, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

func writeDumps(out io.Writer, tr *tracker.Tracker) error {
	tables := []tracker.Table{
		tr.DumpLiveAllocations(tracker.DumpOptions{}),
		tr.DumpInvalidFrees(tracker.DumpOptions{}),
	}
	if failed := tr.DumpFailedAllocations(tracker.DumpOptions{}); failed.Len() > 0 {
		tables = append(tables, failed)
	}
	for _, t := range tables {
		if _, err := t.WriteTo(out); err != nil {
			return err
		}
	}
	return nil
}

// run performs the configured number of random operations, then frees
// everything that is not marked as a leak. With doubleFree, the block freed
// halfway through is freed a second time.
func (w *workload) run(doubleFree bool) {
	half := w.cfg.Operations / 2
	for i := 0; i < w.cfg.Operations; i++ {
		if i == half && doubleFree {
			w.doubleFree()
			continue
		}
		switch r := w.rng.Intn(10); {
		case len(w.blocks) == 0 || r < 4:
			w.allocate()
		case r < 5:
			w.allocateZeroed()
		case r < 7:
			w.reallocate(w.rng.Intn(len(w.blocks)))
		default:
			w.free(w.rng.Intn(len(w.blocks)))
		}
	}
	for i := len(w.blocks) - 1; i >= 0; i-- {
		if !w.blocks[i].leak {
			w.free(i)
		}
	}
}

func (w *workload) nextBlock() (size, align uint64, leak bool) {
	w.allocs++
	size = uint64(w.rng.Int63n(int64(w.cfg.MaxSize))) + 1
	align = workloadAligns[w.rng.Intn(len(workloadAligns))]
	return size, align, w.allocs%w.cfg.LeakEvery == 0
}

func (w *workload) allocate() {
	size, align, leak := w.nextBlock()
	addr := w.alloc.Allocate(size, align)
	if addr == malloc.NullAddress {
		return
	}
	fill(w.alloc.Slice(addr, size), byte(w.allocs))
	w.blocks = append(w.blocks, block{addr: addr, size: size, align: align, leak: leak})
}

func (w *workload) allocateZeroed() {
	size, align, leak := w.nextBlock()
	addr := w.alloc.AllocateZeroed(size, align)
	if addr == malloc.NullAddress {
		return
	}
	w.blocks = append(w.blocks, block{addr: addr, size: size, align: align, leak: leak})
}

func (w *workload) reallocate(i int) {
	b := &w.blocks[i]
	size := uint64(w.rng.Int63n(int64(w.cfg.MaxSize))) + 1
	addr := w.alloc.Reallocate(b.addr, b.size, b.align, size)
	if addr == malloc.NullAddress {
		return
	}
	b.addr, b.size = addr, size
}

func (w *workload) free(i int) {
	b := w.blocks[i]
	w.alloc.Deallocate(b.addr, b.size, b.align)
	w.blocks[i] = w.blocks[len(w.blocks)-1]
	w.blocks = w.blocks[:len(w.blocks)-1]
}

func (w *workload) doubleFree() {
	size, align, _ := w.nextBlock()
	addr := w.alloc.Allocate(size, align)
	if addr == malloc.NullAddress {
		return
	}
	w.alloc.Deallocate(addr, size, align)
	w.alloc.Deallocate(addr, size, align)
}

func fill(buf []byte, v byte) {
	for i := range buf {
		buf[i] = v
	}
}
