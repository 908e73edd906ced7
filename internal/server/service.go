package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolrunner.v1.ToolRunnerService"

// ToolRunnerServiceServer is the server API. Every message is a
// google.protobuf.Struct whose fields are documented on the handlers.
type ToolRunnerServiceServer interface {
	Dispatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CallFunction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListVersions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Revert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListApprovals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Declarations(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ToolRunnerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	call unaryCall
}{
	{"Dispatch", ToolRunnerServiceServer.Dispatch},
	{"CallFunction", ToolRunnerServiceServer.CallFunction},
	{"ListTools", ToolRunnerServiceServer.ListTools},
	{"ListVersions", ToolRunnerServiceServer.ListVersions},
	{"CreateVersion", ToolRunnerServiceServer.CreateVersion},
	{"Revert", ToolRunnerServiceServer.Revert},
	{"SetEnabled", ToolRunnerServiceServer.SetEnabled},
	{"OpenSession", ToolRunnerServiceServer.OpenSession},
	{"EndSession", ToolRunnerServiceServer.EndSession},
	{"CancelRequest", ToolRunnerServiceServer.CancelRequest},
	{"ListApprovals", ToolRunnerServiceServer.ListApprovals},
	{"ResolveApproval", ToolRunnerServiceServer.ResolveApproval},
	{"Declarations", ToolRunnerServiceServer.Declarations},
}

func unaryHandler(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ToolRunnerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ToolRunnerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes ToolRunnerService to grpc.Server.
var ServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ToolRunnerServiceServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "toolrunner/v1/tool_runner.proto",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, unaryHandler(m.name, m.call))
	}
	return desc
}()

// RegisterToolRunnerServiceServer registers srv on s.
func RegisterToolRunnerServiceServer(s grpc.ServiceRegistrar, srv ToolRunnerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls ToolRunnerService methods by name.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with in.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
