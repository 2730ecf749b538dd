package grpcsvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joeycumines/go-microkernel/internal/socket"
)

// echoServer is a minimal fake gRPC service implementation, just enough
// to prove a registered service is reachable through Channel().
type echoServer struct{}

func (echoServer) Echo(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return &wrapperspb.StringValue{Value: "echo: " + req.GetValue()}, nil
}

type echoServiceServer interface {
	Echo(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

func echoUnaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(echoServiceServer).Echo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/grpcsvc.test.Echo/Echo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(echoServiceServer).Echo(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: "grpcsvc.test.Echo",
	HandlerType: (*echoServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: echoUnaryHandler},
	},
	Metadata: "grpcsvc_test.proto",
}

func TestNewStartsLoopAndExposesChannel(t *testing.T) {
	b, err := New()
	assert.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.Channel())
}

func TestHandleConnectionClosesTheHandshakeSocket(t *testing.T) {
	b, err := New()
	assert.NoError(t, err)
	defer b.Close()

	user, relay := socket.NewPair(16)
	defer user.Close()

	b.HandleConnection(relay)
	assert.True(t, relay.Closed())
}

func TestCloseIsSafeToCallOnce(t *testing.T) {
	b, err := New()
	assert.NoError(t, err)
	assert.NoError(t, b.Close())
}

func TestRegisteredServiceRoundTripsThroughChannel(t *testing.T) {
	b, err := New()
	assert.NoError(t, err)
	defer b.Close()

	b.RegisterService(&echoServiceDesc, echoServer{})

	req := &wrapperspb.StringValue{Value: "hello"}
	resp := new(wrapperspb.StringValue)
	err = b.Channel().Invoke(context.Background(), "/grpcsvc.test.Echo/Echo", req, resp)
	assert.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.GetValue())
}
