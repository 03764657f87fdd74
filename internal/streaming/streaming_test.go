package streaming

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/iotdserver/internal/auth"
	"github.com/KevinKickass/iotdserver/internal/command"
	"github.com/KevinKickass/iotdserver/internal/config"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type recordingCommander struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingCommander) SendCommand(addr command.Address, payload string) command.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, addr.String()+" "+payload)
	return command.Result{Address: addr, Status: command.StatusDelivered, Delivered: 1}
}

func TestStreamerFilters(t *testing.T) {
	s := NewEventStreamer()
	all := s.Subscribe()
	only2 := s.Subscribe(2)

	rec := types.Record{Timestamp: time.Now(), Values: []float64{1}}
	assert.Zero(t, s.Publish(1, rec))
	assert.Zero(t, s.Publish(2, rec))

	assert.Len(t, all, 2)
	assert.Len(t, only2, 1)
	assert.Equal(t, types.DeviceID(2), (<-only2).Device)

	s.Unsubscribe(only2)
	_, ok := <-only2
	assert.False(t, ok)
	assert.Equal(t, 1, s.SubscriberCount())

	s.Close()
	<-all
	<-all
	_, ok = <-all
	assert.False(t, ok)

	late := s.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	s.Reopen()
	assert.NotNil(t, s.Subscribe())
	assert.Equal(t, 1, s.SubscriberCount())
}

func TestStreamerSkipsSlowSubscribers(t *testing.T) {
	s := NewEventStreamer()
	s.Subscribe()

	rec := types.Record{Timestamp: time.Now()}
	for i := 0; i < subscriberBuffer; i++ {
		require.Zero(t, s.Publish(1, rec))
	}
	assert.Equal(t, 1, s.Publish(1, rec))
}

type grpcFixture struct {
	streamer  *EventStreamer
	commander *recordingCommander
	client    *RecordStreamClient
}

func newGRPCFixture(t *testing.T, authenticator *auth.Authenticator) *grpcFixture {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	streamer := NewEventStreamer()
	commander := &recordingCommander{}

	var opts []grpc.ServerOption
	if authenticator != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(UnaryAuthInterceptor(authenticator)),
			grpc.StreamInterceptor(StreamAuthInterceptor(authenticator)))
	}
	server := grpc.NewServer(opts...)
	RegisterRecordStreamServer(server, NewRecordService(streamer, commander, zap.NewNop()))
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &grpcFixture{streamer: streamer, commander: commander, client: NewRecordStreamClient(conn)}
}

func TestSubscribeStreamsRecords(t *testing.T) {
	f := newGRPCFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"devices": []interface{}{4}})
	require.NoError(t, err)
	stream, err := f.client.Subscribe(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.streamer.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	f.streamer.Publish(3, types.Record{Timestamp: ts, Values: []float64{9}})
	f.streamer.Publish(4, types.Record{Timestamp: ts, Values: []float64{1, 22.5}})

	msg := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(msg))
	fields := msg.AsMap()
	assert.Equal(t, float64(4), fields["device_id"])
	assert.Equal(t, "2026-03-14T09:30:00Z", fields["timestamp"])
	assert.Equal(t, []interface{}{1.0, 22.5}, fields["values"])

	f.streamer.Close()
	assert.Error(t, stream.RecvMsg(new(structpb.Struct)))
}

func TestSubscribeRejectsBadFilter(t *testing.T) {
	f := newGRPCFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"devices": []interface{}{"x"}})
	require.NoError(t, err)
	stream, err := f.client.Subscribe(ctx, req)
	require.NoError(t, err)

	err = stream.RecvMsg(new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSendCommand(t *testing.T) {
	f := newGRPCFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"address": "all", "code": 1, "value": 1})
	require.NoError(t, err)
	resp, err := f.client.SendCommand(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "delivered", resp.AsMap()["status"])

	req, err = structpb.NewStruct(map[string]interface{}{"address": 7, "payload": "reset"})
	require.NoError(t, err)
	_, err = f.client.SendCommand(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []string{"all 1,1", "IoTD007 reset"}, f.commander.calls)

	req, err = structpb.NewStruct(map[string]interface{}{"payload": "reset"})
	require.NoError(t, err)
	_, err = f.client.SendCommand(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAuthInterceptors(t *testing.T) {
	t.Setenv("IOTD_TEST_GRPC_SECRET", "grpc-secret")
	authenticator := auth.NewAuthenticator(config.AuthConfig{
		Enabled:      true,
		JWTSecretEnv: "IOTD_TEST_GRPC_SECRET",
	}, zap.NewNop())
	f := newGRPCFixture(t, authenticator)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"address": 1, "payload": "x"})
	require.NoError(t, err)

	_, err = f.client.SendCommand(ctx, req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	viewer, err := authenticator.IssueToken("viewer", auth.PermViewer)
	require.NoError(t, err)
	_, err = f.client.SendCommand(metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+viewer), req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	operator, err := authenticator.IssueToken("operator", auth.PermOperator)
	require.NoError(t, err)
	_, err = f.client.SendCommand(metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+operator), req)
	assert.NoError(t, err)
}
