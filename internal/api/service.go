package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "errorwatch.v1.ErrorWatch"

// ErrorWatchServer is the server API for the ErrorWatch service. Every
// method exchanges google.protobuf.Struct messages whose fields follow the
// JSON shapes of the service layer.
type ErrorWatchServer interface {
	DetectErrors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportErrors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRateLimit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ErrorWatchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	call unaryMethod
}{
	{"DetectErrors", ErrorWatchServer.DetectErrors},
	{"CreateSession", ErrorWatchServer.CreateSession},
	{"ReportErrors", ErrorWatchServer.ReportErrors},
	{"GetSession", ErrorWatchServer.GetSession},
	{"ListSessions", ErrorWatchServer.ListSessions},
	{"CompleteSession", ErrorWatchServer.CompleteSession},
	{"DeleteSession", ErrorWatchServer.DeleteSession},
	{"GetSummary", ErrorWatchServer.GetSummary},
	{"GetRateLimit", ErrorWatchServer.GetRateLimit},
}

// ServiceDesc describes ErrorWatch for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ErrorWatchServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "errorwatch/v1/errorwatch.proto",
}

// RegisterErrorWatchServer registers srv on s.
func RegisterErrorWatchServer(s grpc.ServiceRegistrar, srv ErrorWatchServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(methods))
	for _, m := range methods {
		descs = append(descs, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)})
	}
	return descs
}

func unaryHandler(name string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ErrorWatchServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ErrorWatchServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client is a minimal ErrorWatch client over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method (for example "GetSession") with req.
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
