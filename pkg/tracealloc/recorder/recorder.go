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

package recorder

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/wire"
	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

type Config struct {
	// Path of the trace file. Empty disables recording.
	Path string `toml:"path"`
}

func (c *Config) SetDefaultValues() {}

func (c *Config) Validate() error {
	return nil
}

// Recorder appends every notification to an lz4 compressed trace. A write
// failure is logged once; from then on events are counted as dropped and
// the traced program is not disturbed.
type Recorder struct {
	logger       *zap.Logger
	captureSites bool

	mu     sync.Mutex
	dst    io.WriteCloser
	zw     *lz4.Writer
	w      *wire.Writer
	err    error
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
}

type Option func(*Recorder)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithSiteCapture records a call-site fingerprint with every event.
func WithSiteCapture() Option {
	return func(r *Recorder) {
		r.captureSites = true
	}
}

var _ tracealloc.Hooks = new(Recorder)
var _ tracealloc.EventSink = new(Recorder)

// New writes a trace to dst and closes it on Close.
func New(dst io.WriteCloser, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		dst: dst,
		zw:  lz4.NewWriter(dst),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logutil.GetGlobalLogger().Named("recorder")
	}
	if err := r.zw.Apply(lz4.BlockSizeOption(lz4.Block64Kb)); err != nil {
		return nil, moerr.ConvertGoError(context.TODO(), err)
	}
	w, err := wire.NewWriter(r.zw)
	if err != nil {
		return nil, moerr.ConvertGoError(context.TODO(), err)
	}
	r.w = w
	return r, nil
}

// Create records into a new file at path.
func Create(path string, opts ...Option) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, moerr.ConvertGoError(context.TODO(), err)
	}
	r, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.logger.Info("recording trace", zap.String("path", path))
	return r, nil
}

func (r *Recorder) site() uint64 {
	if !r.captureSites {
		return 0
	}
	return tracealloc.CaptureSite()
}

func (r *Recorder) OnAlloc(size, align uint64, addr malloc.Address) {
	r.write(tracealloc.Event{Kind: tracealloc.KindAlloc, Size: size, Align: align, Address: addr, Site: r.site()})
}

func (r *Recorder) OnAllocZeroed(size, align uint64, addr malloc.Address) {
	r.write(tracealloc.Event{Kind: tracealloc.KindAllocZeroed, Size: size, Align: align, Address: addr, Site: r.site()})
}

func (r *Recorder) OnDealloc(size, align uint64, addr malloc.Address) {
	r.write(tracealloc.Event{Kind: tracealloc.KindDealloc, Size: size, Align: align, Address: addr, Site: r.site()})
}

func (r *Recorder) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64) {
	r.write(tracealloc.Event{
		Kind:       tracealloc.KindRealloc,
		Size:       newSize,
		Align:      align,
		Address:    newAddr,
		OldAddress: oldAddr,
		OldSize:    oldSize,
		Site:       r.site(),
	})
}

// Apply records an event as is.
func (r *Recorder) Apply(e tracealloc.Event) {
	r.write(e)
}

func (r *Recorder) write(e tracealloc.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.closed {
		r.drop()
		return
	}
	if err := r.w.Write(e); err != nil {
		r.err = err
		r.logger.Error("failed to record trace event, dropping the rest",
			zap.Stringer("event", e),
			zap.Error(err),
		)
		r.drop()
		return
	}
	r.written.Add(1)
}

func (r *Recorder) drop() {
	r.dropped.Add(1)
	metric.AllocRecorderDroppedEventsCounter.Inc()
}

func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes the trace and closes the destination. It returns the first
// write error, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.zw.Close()
	if cerr := r.dst.Close(); err == nil {
		err = cerr
	}
	if r.err != nil {
		err = r.err
	}
	if err != nil {
		return moerr.ConvertGoError(context.TODO(), err)
	}
	r.logger.Debug("trace closed",
		zap.Uint64("written", r.written.Load()),
		zap.Uint64("dropped", r.dropped.Load()),
	)
	return nil
}

// Replay decodes a trace recorded by Recorder and delivers every event to
// h in order. It returns the number of events delivered.
func Replay(src io.Reader, h tracealloc.Hooks) (int, error) {
	r, err := wire.NewReader(lz4.NewReader(src))
	if err != nil {
		return 0, moerr.ConvertGoError(context.TODO(), err)
	}
	for {
		e, err := r.Next()
		if err == io.EOF {
			return r.Count(), nil
		}
		if err != nil {
			return r.Count(), moerr.ConvertGoError(context.TODO(), err)
		}
		tracealloc.Deliver(e, h)
	}
}

func ReplayFile(path string, h tracealloc.Hooks) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, moerr.ConvertGoError(context.TODO(), err)
	}
	defer f.Close()
	return Replay(f, h)
}
