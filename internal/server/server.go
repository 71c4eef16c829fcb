// Package server serves the opwarden API over gRPC. Messages are
// google.protobuf.Struct values carrying the api package's JSON shapes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/engine"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/taskspec"
)

// handler is the interface the service descriptor binds to.
type handler interface {
	call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements the Opwarden gRPC service.
type Server struct {
	svc        *api.Service
	logger     *slog.Logger
	grpcServer *grpc.Server
}

// New creates a gRPC server over svc.
func New(svc *api.Service, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpcServer = grpc.NewServer(opts...)
	desc := serviceDesc()
	s.grpcServer.RegisterService(&desc, s)
	return s
}

func serviceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: api.ServiceName,
		HandlerType: (*handler)(nil),
		Metadata:    "opwarden/v1",
	}
	for _, name := range api.MethodNames() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	return desc
}

func unaryHandler(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(handler)
		if interceptor == nil {
			return h.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: api.FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h.call(ctx, method, req.(*structpb.Struct))
		})
	}
}

func (s *Server) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	body, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	out, err := s.svc.Call(ctx, method, body)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	resp := new(structpb.Struct)
	if err := protojson.Unmarshal(data, resp); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, api.ErrBadRequest):
		code = codes.InvalidArgument
	case errors.Is(err, permission.ErrNotFound), errors.Is(err, taskspec.ErrNotFound), errors.Is(err, anomaly.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, taskspec.ErrTransition), errors.Is(err, engine.ErrNoMatchingCheck):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	s.logger.Debug("grpc call", "method", info.FullMethod,
		"code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

// Serve listens on addr and serves until stopped.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeOn serves on an existing listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight calls and stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}
