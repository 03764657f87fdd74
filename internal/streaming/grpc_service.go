package streaming

import (
	"context"
	"strconv"
	"time"

	"github.com/KevinKickass/iotdserver/internal/command"
	"github.com/KevinKickass/iotdserver/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Commander routes operator commands.
type Commander interface {
	SendCommand(addr command.Address, payload string) command.Result
}

// RecordService serves the record stream over gRPC.
type RecordService struct {
	streamer  *EventStreamer
	commander Commander
	logger    *zap.Logger
}

func NewRecordService(streamer *EventStreamer, commander Commander, logger *zap.Logger) *RecordService {
	return &RecordService{
		streamer:  streamer,
		commander: commander,
		logger:    logger,
	}
}

func (s *RecordService) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	devices, err := deviceFilter(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	events := s.streamer.Subscribe(devices...)
	defer s.streamer.Unsubscribe(events)

	s.logger.Info("Record stream subscribed", zap.Int("devices", len(devices)))

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}

			msg, err := recordMessage(event)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *RecordService) SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := commandRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	payload, err := cmd.Text()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result := s.commander.SendCommand(cmd.Address, payload)
	return structpb.NewStruct(map[string]interface{}{
		"address":   cmd.Address.String(),
		"status":    string(result.Status),
		"delivered": result.Delivered,
	})
}

func deviceFilter(req *structpb.Struct) ([]types.DeviceID, error) {
	list := req.GetFields()["devices"].GetListValue()
	if list == nil {
		return nil, nil
	}

	devices := make([]types.DeviceID, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue < 0 || n.NumberValue != float64(int(n.NumberValue)) {
			return nil, status.Errorf(codes.InvalidArgument, "devices must be non-negative integers")
		}
		devices = append(devices, types.DeviceID(n.NumberValue))
	}
	return devices, nil
}

func commandRequest(req *structpb.Struct) (command.Request, error) {
	fields := req.GetFields()

	var cmd command.Request
	switch addr := fields["address"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		if addr.NumberValue != float64(int(addr.NumberValue)) {
			return cmd, status.Errorf(codes.InvalidArgument, "address must be an integer")
		}
		parsed, err := command.ParseAddress(strconv.Itoa(int(addr.NumberValue)))
		if err != nil {
			return cmd, err
		}
		cmd.Address = parsed
	case *structpb.Value_StringValue:
		parsed, err := command.ParseAddress(addr.StringValue)
		if err != nil {
			return cmd, err
		}
		cmd.Address = parsed
	default:
		return cmd, status.Errorf(codes.InvalidArgument, "address is required")
	}

	cmd.Payload = fields["payload"].GetStringValue()
	if v, ok := fields["code"].GetKind().(*structpb.Value_NumberValue); ok {
		code := int(v.NumberValue)
		cmd.Code = &code
	}
	if v, ok := fields["value"].GetKind().(*structpb.Value_NumberValue); ok {
		value := v.NumberValue
		cmd.Value = &value
	}
	return cmd, nil
}

func recordMessage(event RecordEvent) (*structpb.Struct, error) {
	values := make([]interface{}, len(event.Record.Values))
	for i, v := range event.Record.Values {
		values[i] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"device_id": int(event.Device),
		"timestamp": event.Record.Timestamp.Format(time.RFC3339Nano),
		"values":    values,
	})
}
