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
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
)

const (
	serviceName    = "tracealloc.v1.Observer"
	notifyMethod   = "/" + serviceName + "/Notify"
	dumpMethod     = "/" + serviceName + "/Dump"
	sessionsMethod = "/" + serviceName + "/Sessions"

	// metadata carrying the session id of a Notify stream
	sessionKey = "tracealloc-session"
	// trailer carrying a marshaled moerr.Error
	errorKey = "tracealloc-error-bin"
)

type observerServer interface {
	Notify(grpc.ServerStream) error
	Dump(context.Context, *DumpRequest) (*DumpReply, error)
	Sessions(context.Context, *SessionsRequest) (*SessionsReply, error)
}

var notifyStreamDesc = grpc.StreamDesc{
	StreamName:    "Notify",
	Handler:       notifyHandler,
	ClientStreams: true,
}

var observerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*observerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dump",
			Handler:    dumpHandler,
		},
		{
			MethodName: "Sessions",
			Handler:    sessionsHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		notifyStreamDesc,
	},
	Metadata: "tracealloc/v1/observer",
}

func notifyHandler(srv any, stream grpc.ServerStream) error {
	err := srv.(observerServer).Notify(stream)
	if err == nil {
		return nil
	}
	if trailer, ok := errorTrailer(err); ok {
		stream.SetTrailer(trailer)
	}
	return toStatus(err)
}

func dumpHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DumpRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply, err := srv.(observerServer).Dump(ctx, req.(*DumpRequest))
		return unaryResult(ctx, reply, err)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: dumpMethod,
	}
	return interceptor(ctx, in, info, handler)
}

func sessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SessionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply, err := srv.(observerServer).Sessions(ctx, req.(*SessionsRequest))
		return unaryResult(ctx, reply, err)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sessionsMethod,
	}
	return interceptor(ctx, in, info, handler)
}

// unaryResult attaches a moerr to the call's trailer before it becomes a
// status.
func unaryResult(ctx context.Context, reply any, err error) (any, error) {
	if err == nil {
		return reply, nil
	}
	if trailer, ok := errorTrailer(err); ok {
		_ = grpc.SetTrailer(ctx, trailer)
	}
	return nil, toStatus(err)
}

func errorTrailer(err error) (metadata.MD, bool) {
	var me *moerr.Error
	if !errors.As(err, &me) {
		return nil, false
	}
	data, merr := me.MarshalBinary()
	if merr != nil {
		return nil, false
	}
	return metadata.Pairs(errorKey, string(data)), true
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case moerr.IsMoErrCode(err, moerr.ErrNoSuchSession):
		code = codes.NotFound
	case moerr.IsMoErrCode(err, moerr.ErrAmbiguousSession):
		code = codes.FailedPrecondition
	case moerr.IsMoErrCode(err, moerr.ErrUnknownSelector),
		moerr.IsMoErrCode(err, moerr.ErrInvalidArg):
		code = codes.InvalidArgument
	case moerr.IsMoErrCode(err, moerr.ErrTooManySessions):
		code = codes.ResourceExhausted
	case moerr.IsMoErrCode(err, moerr.ErrObserverClosed):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a call error back into the moerr the server returned,
// if the trailer carries one.
func fromStatus(ctx context.Context, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if values := trailer.Get(errorKey); len(values) > 0 {
		me := new(moerr.Error)
		if me.UnmarshalBinary([]byte(values[0])) == nil {
			return me
		}
	}
	if err == io.EOF {
		return moerr.NewBackendClosed(ctx)
	}
	st, ok := status.FromError(err)
	if !ok {
		return moerr.ConvertGoError(ctx, err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return moerr.NewServiceUnavailable(ctx, st.Message())
	case codes.Canceled:
		return moerr.NewBackendClosed(ctx)
	}
	return moerr.NewInternalError(ctx, "observer: %s", st.Message())
}
