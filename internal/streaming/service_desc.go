package streaming

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName           = "iotd.v1.RecordStream"
	subscribeMethod       = "/" + serviceName + "/Subscribe"
	sendCommandMethod     = "/" + serviceName + "/SendCommand"
	subscribeStreamName   = "Subscribe"
	sendCommandMethodName = "SendCommand"
)

// RecordStreamServer is the server API of the record stream. Messages are
// google.protobuf.Struct values:
//
//	Subscribe   {devices: [int]}            -> stream {device_id, timestamp, values}
//	SendCommand {address: int|"all", payload} -> {status, delivered}
type RecordStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterRecordStreamServer(s grpc.ServiceRegistrar, srv RecordStreamServer) {
	s.RegisterService(&RecordStreamServiceDesc, srv)
}

var RecordStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RecordStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: sendCommandMethodName,
			Handler:    sendCommandHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    subscribeStreamName,
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "iotd/v1/record_stream.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RecordStreamServer).Subscribe(req, stream)
}

func sendCommandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecordStreamServer).SendCommand(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sendCommandMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RecordStreamServer).SendCommand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

// RecordStreamClient is the client side of RecordStreamServiceDesc.
type RecordStreamClient struct {
	cc grpc.ClientConnInterface
}

func NewRecordStreamClient(cc grpc.ClientConnInterface) *RecordStreamClient {
	return &RecordStreamClient{cc: cc}
}

// Subscribe opens a record stream. Call RecvMsg with a *structpb.Struct to
// read records.
func (c *RecordStreamClient) Subscribe(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &RecordStreamServiceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *RecordStreamClient) SendCommand(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, sendCommandMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
