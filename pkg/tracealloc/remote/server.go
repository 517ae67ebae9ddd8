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
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/tracker"
	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

type Config struct {
	ListenAddress string `toml:"listen-address"`
	// MaxSessions limits the number of concurrently connected sessions.
	MaxSessions int `toml:"max-sessions"`
	// MaxRetainedSessions limits the number of ended sessions kept for
	// Dump. The oldest ended session is evicted first.
	MaxRetainedSessions int `toml:"max-retained-sessions"`
}

const (
	defaultListenAddress       = "127.0.0.1:7070"
	defaultMaxSessions         = 16
	defaultMaxRetainedSessions = 64
)

func (c *Config) SetDefaultValues() {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.MaxRetainedSessions == 0 {
		c.MaxRetainedSessions = defaultMaxRetainedSessions
	}
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return moerr.NewBadConfig(context.TODO(), "observer listen-address %q: %v", c.ListenAddress, err)
	}
	if c.MaxSessions < 0 {
		return moerr.NewBadConfig(context.TODO(), "observer max-sessions must not be negative, got %d", c.MaxSessions)
	}
	if c.MaxRetainedSessions < 0 {
		return moerr.NewBadConfig(context.TODO(), "observer max-retained-sessions must not be negative, got %d", c.MaxRetainedSessions)
	}
	return nil
}

// Server is the out-of-process observer. Every Notify stream feeds its own
// tracker; the tracker outlives the stream so it can still be dumped after
// the traced program exits.
type Server struct {
	cfg    Config
	logger *zap.Logger
	rpc    *grpc.Server

	mu       sync.Mutex
	sessions map[string]*serverSession
	ended    []string // ended session ids, oldest first
	active   int
	closed   bool
	lis      net.Listener
	serveErr chan error
}

type serverSession struct {
	id       string
	started  time.Time
	tracker  *tracker.Tracker
	received atomic.Uint64
	active   bool // guarded by Server.mu
}

type ServerOption func(*Server)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

var _ observerServer = new(Server)

func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	cfg.SetDefaultValues()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		sessions: make(map[string]*serverSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logutil.GetGlobalLogger().Named("observer")
	}
	s.rpc = grpc.NewServer(grpc.ForceServerCodec(codec{}))
	s.rpc.RegisterService(&observerServiceDesc, s)
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return moerr.ConvertGoError(context.TODO(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		lis.Close()
		return moerr.NewObserverClosed(context.TODO())
	}
	s.lis = lis
	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- s.rpc.Serve(lis)
	}()
	s.logger.Info("observer started", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Close stops serving. Open streams are cut off.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	serveErr := s.serveErr
	s.mu.Unlock()

	s.rpc.Stop()
	if serveErr != nil {
		if err := <-serveErr; err != nil && err != grpc.ErrServerStopped {
			return moerr.ConvertGoError(context.TODO(), err)
		}
	}
	s.logger.Info("observer stopped")
	return nil
}

func (s *Server) Notify(stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := sessionIDFromContext(ctx)
	if err != nil {
		return err
	}
	sess, err := s.openSession(ctx, id)
	if err != nil {
		return err
	}
	defer s.closeSession(sess)

	if err := stream.SendHeader(metadata.Pairs(sessionKey, id)); err != nil {
		return err
	}

	var e tracealloc.Event
	for {
		if err := stream.RecvMsg(&e); err != nil {
			if err == io.EOF {
				return stream.SendMsg(&NotifyReply{
					Received: sess.received.Load(),
				})
			}
			s.logger.Warn("trace session interrupted",
				zap.String("session", id),
				zap.Uint64("received", sess.received.Load()),
				zap.Error(err),
			)
			return err
		}
		sess.tracker.Apply(e)
		sess.received.Add(1)
		metric.ObserverReceivedEventsCounter.Inc()
	}
}

func sessionIDFromContext(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(sessionKey)
	if len(values) != 1 {
		return "", moerr.NewInvalidArg(ctx, "session id", values)
	}
	if _, err := uuid.Parse(values[0]); err != nil {
		return "", moerr.NewInvalidArg(ctx, "session id", values[0])
	}
	return values[0], nil
}

func (s *Server) openSession(ctx context.Context, id string) (*serverSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, moerr.NewObserverClosed(ctx)
	}
	if _, ok := s.sessions[id]; ok {
		return nil, moerr.NewInvalidArg(ctx, "session id", id)
	}
	if s.cfg.MaxSessions > 0 && s.active >= s.cfg.MaxSessions {
		return nil, moerr.NewTooManySessions(ctx, s.cfg.MaxSessions)
	}
	sess := &serverSession{
		id:      id,
		started: time.Now(),
		tracker: tracker.New(tracker.WithoutSiteCapture()),
		active:  true,
	}
	s.sessions[id] = sess
	s.active++
	metric.ObserverSessionsGauge.Inc()
	s.logger.Info("trace session opened", zap.String("session", id))
	return sess, nil
}

func (s *Server) closeSession(sess *serverSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.active = false
	s.active--
	metric.ObserverSessionsGauge.Dec()
	s.ended = append(s.ended, sess.id)
	for len(s.ended) > s.cfg.MaxRetainedSessions {
		evicted := s.ended[0]
		s.ended = s.ended[1:]
		delete(s.sessions, evicted)
		s.logger.Debug("trace session evicted", zap.String("session", evicted))
	}
	stats := sess.tracker.Stats()
	s.logger.Info("trace session closed",
		zap.String("session", sess.id),
		zap.Uint64("received", sess.received.Load()),
		zap.Int("live", stats.LiveObjects),
		zap.Int("invalid-frees", stats.InvalidFrees),
	)
}

// Session returns the tracker of a session. An empty id selects the only
// session there is.
func (s *Server) Session(ctx context.Context, id string) (*tracker.Tracker, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		sess, ok := s.sessions[id]
		if !ok {
			return nil, "", moerr.NewNoSuchSession(ctx, id)
		}
		return sess.tracker, id, nil
	}
	switch len(s.sessions) {
	case 0:
		return nil, "", moerr.NewNoSuchSession(ctx, "(any)")
	case 1:
		for id, sess := range s.sessions {
			return sess.tracker, id, nil
		}
	}
	return nil, "", moerr.NewAmbiguousSession(ctx, len(s.sessions))
}

func (s *Server) Dump(ctx context.Context, req *DumpRequest) (*DumpReply, error) {
	start := time.Now()
	defer func() {
		metric.ObserverDumpDurationHistogram.Observe(time.Since(start).Seconds())
	}()

	tr, id, err := s.Session(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	opts, err := dumpOptions(req)
	if err != nil {
		return nil, err
	}

	reply := &DumpReply{Session: id}
	switch req.Table {
	case TableLive, "":
		reply.Table = tr.DumpLiveAllocations(opts)
	case TableInvalid:
		reply.Table = tr.DumpInvalidFrees(opts)
	case TableFailed:
		reply.Table = tr.DumpFailedAllocations(opts)
	default:
		return nil, moerr.NewInvalidArg(ctx, "table", req.Table)
	}
	return reply, nil
}

func dumpOptions(req *DumpRequest) (tracker.DumpOptions, error) {
	key, err := tracker.KeySelector(req.Key)
	if err != nil {
		return tracker.DumpOptions{}, err
	}
	value, err := tracker.ValueSelector(req.Value)
	if err != nil {
		return tracker.DumpOptions{}, err
	}
	return tracker.DumpOptions{
		KeyLabel:   req.KeyLabel,
		ValueLabel: req.ValueLabel,
		Key:        key,
		Value:      value,
	}, nil
}

func (s *Server) Sessions(ctx context.Context, _ *SessionsRequest) (*SessionsReply, error) {
	s.mu.Lock()
	reply := &SessionsReply{
		Sessions: make([]SessionInfo, 0, len(s.sessions)),
	}
	trackers := make([]*tracker.Tracker, 0, len(s.sessions))
	for _, sess := range s.sessions {
		reply.Sessions = append(reply.Sessions, SessionInfo{
			ID:       sess.id,
			Active:   sess.active,
			Started:  sess.started,
			Received: sess.received.Load(),
		})
		trackers = append(trackers, sess.tracker)
	}
	s.mu.Unlock()

	// sessions evicted meanwhile are still reported from their tracker
	for i, tr := range trackers {
		reply.Sessions[i].Stats = tr.Stats()
	}
	slices.SortFunc(reply.Sessions, func(a, b SessionInfo) int {
		return a.Started.Compare(b.Started)
	})
	return reply, nil
}
