// Package api is the daemon's control plane: a gRPC service whose requests
// and responses are google.protobuf.Struct values carrying JSON-shaped data.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tgsync.v1.Control"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodListAccounts      = "ListAccounts"
	MethodAddAccount        = "AddAccount"
	MethodVerifyCode        = "VerifyCode"
	MethodSetFilter         = "SetFilter"
	MethodBackfill          = "Backfill"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodSendText          = "SendText"
	MethodIngestBatch       = "IngestBatch"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

// ControlServer is the server API of tgsync.v1.Control.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAccounts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetFilter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Backfill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &eventStream{stream})
}

// ServiceDesc describes tgsync.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodListAccounts, ControlServer.ListAccounts),
		unary(MethodAddAccount, ControlServer.AddAccount),
		unary(MethodVerifyCode, ControlServer.VerifyCode),
		unary(MethodSetFilter, ControlServer.SetFilter),
		unary(MethodBackfill, ControlServer.Backfill),
		unary(MethodListConversations, ControlServer.ListConversations),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodIngestBatch, ControlServer.IngestBatch),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tgsync/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Encode converts a JSON-serialisable value into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from s through its JSON form.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
