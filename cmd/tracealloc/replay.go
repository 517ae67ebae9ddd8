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
	"os"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/recorder"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/tracker"
)

type replayOptions struct {
	key     string
	value   string
	pprof   string
	workers int
}

func replayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Replay recorded traces and print their dumps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd, nil); err != nil {
				return err
			}
			var opts replayOptions
			opts.key, _ = cmd.Flags().GetString("key")
			opts.value, _ = cmd.Flags().GetString("value")
			opts.pprof, _ = cmd.Flags().GetString("pprof")
			opts.workers, _ = cmd.Flags().GetInt("workers")
			return runReplay(cmd.OutOrStdout(), args, opts)
		},
	}
	cmd.Flags().String("key", "", "group rows by site, address, size, align or kind")
	cmd.Flags().String("value", "", "row value, bytes or count")
	cmd.Flags().String("pprof", "", "write a heap profile of the live allocations, single file only")
	cmd.Flags().Int("workers", runtime.GOMAXPROCS(0), "number of files replayed concurrently")
	return cmd
}

type replayResult struct {
	file    string
	events  int
	tracker *tracker.Tracker
	err     error
}

func runReplay(out io.Writer, files []string, opts replayOptions) error {
	ctx := context.TODO()
	if opts.pprof != "" && len(files) != 1 {
		return moerr.NewInvalidArg(ctx, "pprof with trace files", len(files))
	}
	key, err := tracker.KeySelector(opts.key)
	if err != nil {
		return err
	}
	value, err := tracker.ValueSelector(opts.value)
	if err != nil {
		return err
	}

	pool, err := ants.NewPool(max(opts.workers, 1))
	if err != nil {
		return err
	}
	defer pool.Release()

	results := make([]replayResult, len(files))
	var wg sync.WaitGroup
	for i, file := range files {
		i, file := i, file
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = replayFile(file)
		})
		if err != nil {
			wg.Done()
			results[i] = replayResult{file: file, err: err}
		}
	}
	wg.Wait()

	var firstErr error
	dump := tracker.DumpOptions{Key: key, Value: value}
	for _, r := range results {
		if r.err != nil {
			logutil.Error("failed to replay trace",
				zap.String("file", r.file),
				zap.Int("events", r.events),
				zap.Error(r.err),
			)
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		fmt.Fprintf(out, "%s: %d events\n", r.file, r.events)
		if _, err := r.tracker.DumpLiveAllocations(dump).WriteTo(out); err != nil {
			return err
		}
		if _, err := r.tracker.DumpInvalidFrees(dump).WriteTo(out); err != nil {
			return err
		}
		if failed := r.tracker.DumpFailedAllocations(dump); failed.Len() > 0 {
			if _, err := failed.WriteTo(out); err != nil {
				return err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if opts.pprof != "" {
		return writeProfile(opts.pprof, results[0].tracker)
	}
	return nil
}

func replayFile(file string) replayResult {
	tr := tracker.New(tracker.WithoutSiteCapture())
	n, err := recorder.ReplayFile(file, tr)
	return replayResult{file: file, events: n, tracker: tr, err: err}
}

func writeProfile(path string, tr *tracker.Tracker) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tr.WriteHeapProfile(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logutil.Infof("heap profile written to %s", path)
	return nil
}
