// Package grpcapi serves conversation turns over gRPC.
//
// Requests and responses are google.protobuf.Struct values so the service
// can be called from any gRPC client without generated stubs:
//
//	request:  {"session_id": "...", "query": "..."}
//	response: {"session_id": "...", "response": "...", "destination": "...", "fell_back": false}
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "dispatch.v1.Conversation"

	handleTurnMethod = "/" + ServiceName + "/HandleTurn"
)

// ConversationServer is the server API for the Conversation service
type ConversationServer interface {
	HandleTurn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ConversationServiceDesc describes the Conversation service for grpc.Server
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "HandleTurn",
			Handler:    handleTurnHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dispatch/v1/conversation.proto",
}

func handleTurnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConversationServer).HandleTurn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: handleTurnMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConversationServer).HandleTurn(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
