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

package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

type Client struct {
	addr   string
	logger *zap.Logger
	conn   *grpc.ClientConn
}

type ClientOption func(*Client)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to an observer and waits until the connection is ready or
// ctx is done.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{addr: addr}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logutil.GetGlobalLogger().Named("observer-client")
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	)
	if err != nil {
		return nil, moerr.NewInvalidArg(ctx, "observer address", addr)
	}
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, moerr.NewServiceUnavailable(ctx, addr+": "+ctx.Err().Error())
		}
	}
	c.conn = conn
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Dump(ctx context.Context, req DumpRequest) (DumpReply, error) {
	var reply DumpReply
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, dumpMethod, &req, &reply, grpc.Trailer(&trailer))
	return reply, fromStatus(ctx, err, trailer)
}

func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var reply SessionsReply
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, sessionsMethod, &SessionsRequest{}, &reply, grpc.Trailer(&trailer))
	if err != nil {
		return nil, fromStatus(ctx, err, trailer)
	}
	return reply.Sessions, nil
}

// Session streams notifications to the observer. It never fails the
// traced program: the first delivery failure is logged, and from then on
// events are counted as dropped.
type Session struct {
	id           string
	logger       *zap.Logger
	captureSites bool
	sendTimeout  time.Duration
	cancel       context.CancelFunc

	mu     sync.Mutex
	stream grpc.ClientStream
	err    error
	closed bool

	sent     atomic.Uint64
	dropped  atomic.Uint64
	received uint64
}

type SessionOption func(*Session)

const defaultSendTimeout = 5 * time.Second

// WithSendTimeout bounds every send and the final acknowledgement. An
// observer that stops reading for longer than d loses the session, and the
// remaining events are dropped.
func WithSendTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithoutSiteCapture sends events without call-site fingerprints.
func WithoutSiteCapture() SessionOption {
	return func(s *Session) {
		s.captureSites = false
	}
}

var _ tracealloc.Hooks = new(Session)
var _ tracealloc.EventSink = new(Session)

// OpenSession starts a Notify stream and waits for the observer to accept
// it.
func (c *Client) OpenSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	s := &Session{
		id:           uuid.NewString(),
		captureSites: true,
		sendTimeout:  defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = c.logger.With(zap.String("session", s.id))

	// the stream outlives ctx
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, sessionKey, s.id)
	stream, err := c.conn.NewStream(streamCtx, &notifyStreamDesc, notifyMethod)
	if err != nil {
		cancel()
		return nil, fromStatus(ctx, err, nil)
	}

	accepted := make(chan error, 1)
	go func() {
		header, err := stream.Header()
		if err == nil && header == nil {
			// rejected before the header, the status carries the reason
			err = stream.RecvMsg(new(NotifyReply))
		}
		accepted <- err
	}()
	select {
	case err = <-accepted:
	case <-ctx.Done():
		cancel()
		<-accepted
		return nil, moerr.NewServiceUnavailable(ctx, "open session: "+ctx.Err().Error())
	}
	if err != nil {
		trailer := stream.Trailer()
		cancel()
		return nil, fromStatus(ctx, err, trailer)
	}

	s.stream = stream
	s.cancel = cancel
	s.logger.Info("trace session opened")
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) site() uint64 {
	if !s.captureSites {
		return 0
	}
	return tracealloc.CaptureSite()
}

func (s *Session) OnAlloc(size, align uint64, addr malloc.Address) {
	s.send(tracealloc.Event{Kind: tracealloc.KindAlloc, Size: size, Align: align, Address: addr, Site: s.site()})
}

func (s *Session) OnAllocZeroed(size, align uint64, addr malloc.Address) {
	s.send(tracealloc.Event{Kind: tracealloc.KindAllocZeroed, Size: size, Align: align, Address: addr, Site: s.site()})
}

func (s *Session) OnDealloc(size, align uint64, addr malloc.Address) {
	s.send(tracealloc.Event{Kind: tracealloc.KindDealloc, Size: size, Align: align, Address: addr, Site: s.site()})
}

func (s *Session) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64) {
	s.send(tracealloc.Event{
		Kind:       tracealloc.KindRealloc,
		Size:       newSize,
		Align:      align,
		Address:    newAddr,
		OldAddress: oldAddr,
		OldSize:    oldSize,
		Site:       s.site(),
	})
}

// Apply forwards an already built event, for example one replayed from a
// trace file.
func (s *Session) Apply(e tracealloc.Event) {
	s.send(e)
}

func (s *Session) send(e tracealloc.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.closed {
		s.drop()
		return
	}
	// a stalled observer must not hold the traced program
	watchdog := time.AfterFunc(s.sendTimeout, s.cancel)
	err := s.stream.SendMsg(&e)
	watchdog.Stop()
	if err != nil {
		s.err = err
		s.logger.Error("failed to deliver trace event, dropping the rest",
			zap.Stringer("event", e),
			zap.Uint64("sent", s.sent.Load()),
			zap.Error(err),
		)
		s.drop()
		return
	}
	s.sent.Add(1)
}

func (s *Session) drop() {
	s.dropped.Add(1)
	metric.AllocRemoteDroppedEventsCounter.Inc()
}

func (s *Session) Sent() uint64 {
	return s.sent.Load()
}

func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Received returns the number of events the observer acknowledged when
// the session was closed.
func (s *Session) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Close ends the stream and waits for the observer to acknowledge it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.cancel()
	watchdog := time.AfterFunc(s.sendTimeout, s.cancel)
	defer watchdog.Stop()

	if s.err == nil {
		s.err = s.stream.CloseSend()
	}
	var reply NotifyReply
	err := s.stream.RecvMsg(&reply)
	if err != nil {
		err = fromStatus(context.TODO(), err, s.stream.Trailer())
		s.logger.Warn("trace session closed with error",
			zap.Uint64("sent", s.sent.Load()),
			zap.Uint64("dropped", s.dropped.Load()),
			zap.Error(err),
		)
		return err
	}
	s.received = reply.Received
	s.logger.Info("trace session closed",
		zap.Uint64("sent", s.sent.Load()),
		zap.Uint64("received", reply.Received),
		zap.Uint64("dropped", s.dropped.Load()),
	)
	return nil
}
