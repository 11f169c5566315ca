package ml

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const predictMethod = "/aces.inference.v1.ModelService/Predict"

// ModelServer is implemented by processes that serve a model over gRPC. The
// payloads are google.protobuf.Struct values shaped like the TF Serving REST
// API: {"instances": [[...], ...]} in, {"predictions": [[...], ...]} out.
type ModelServer interface {
	Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ModelServiceDesc = grpc.ServiceDesc{
	ServiceName: "aces.inference.v1.ModelService",
	HandlerType: (*ModelServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler:    predictHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aces/inference/v1/model_service.proto",
}

func RegisterModelServer(s grpc.ServiceRegistrar, srv ModelServer) {
	s.RegisterService(&ModelServiceDesc, srv)
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModelServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: predictMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ModelServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RemoteModel calls a model served over gRPC.
type RemoteModel struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewRemoteModel connects to a model server. Extra dial options are appended
// after the defaults (insecure transport, 64 MiB messages).
func NewRemoteModel(address string, timeout time.Duration, opts ...grpc.DialOption) (*RemoteModel, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(64*1024*1024),
			grpc.MaxCallSendMsgSize(64*1024*1024),
		),
	}, opts...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model server %s: %w", address, err)
	}
	return &RemoteModel{conn: conn, timeout: timeout}, nil
}

func (m *RemoteModel) Predict(ctx context.Context, batch [][]float32) ([][]float32, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"instances": EncodeMatrix(batch),
	}}
	resp := new(structpb.Struct)
	if err := m.conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("error calling Predict: %w", err)
	}

	predictions, ok := resp.Fields["predictions"]
	if !ok {
		return nil, fmt.Errorf("model server response has no predictions")
	}
	return DecodeMatrix(predictions)
}

func (m *RemoteModel) Close() error {
	return m.conn.Close()
}

// EncodeMatrix converts rows of floats into a list-of-lists value.
func EncodeMatrix(rows [][]float32) *structpb.Value {
	values := make([]*structpb.Value, len(rows))
	for i, row := range rows {
		cols := make([]*structpb.Value, len(row))
		for j, v := range row {
			cols[j] = structpb.NewNumberValue(float64(v))
		}
		values[i] = structpb.NewListValue(&structpb.ListValue{Values: cols})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func DecodeMatrix(v *structpb.Value) ([][]float32, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("expected a list of rows")
	}
	rows := make([][]float32, len(list.Values))
	for i, rowValue := range list.Values {
		row := rowValue.GetListValue()
		if row == nil {
			return nil, fmt.Errorf("row %d is not a list", i)
		}
		rows[i] = make([]float32, len(row.Values))
		for j, cell := range row.Values {
			n, ok := cell.Kind.(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("row %d column %d is not a number", i, j)
			}
			rows[i][j] = float32(n.NumberValue)
		}
	}
	return rows, nil
}
