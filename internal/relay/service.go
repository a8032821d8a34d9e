// Package relay serves remote voice sessions over a gRPC bidi stream. Each
// frame is a structpb.Struct holding one bridge.Message, so the relay needs
// no generated code and speaks the same protocol as the WebSocket surface.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ianktoo/turtle-talk/internal/bridge"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "turtletalk.relay.Relay"

// JoinMethod is the full method name of the Join stream.
const JoinMethod = "/" + ServiceName + "/Join"

// MetadataKey carries the room-join token, as "Bearer <token>".
const MetadataKey = "authorization"

// JoinServer is the server side of one Join stream.
type JoinServer = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// JoinClient is the client side of one Join stream.
type JoinClient = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

// RelayServer is implemented by the relay service.
type RelayServer interface {
	Join(JoinServer) error
}

// ServiceDesc describes the relay service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Join",
		Handler:       joinHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "turtletalk/relay.proto",
}

func joinHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Join(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// Join opens a Join stream on cc.
func Join(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (JoinClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], JoinMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

// Encode converts a message to a wire frame.
func Encode(msg bridge.Message) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	frame := &structpb.Struct{}
	if err := protojson.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return frame, nil
}

// Decode converts a wire frame back to a message.
func Decode(frame *structpb.Struct) (bridge.Message, error) {
	data, err := protojson.Marshal(frame)
	if err != nil {
		return bridge.Message{}, fmt.Errorf("decode frame: %w", err)
	}
	var msg bridge.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return bridge.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
