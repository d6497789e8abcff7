package grpcclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
)

const (
	serviceName    = "retinascan.inference.v1.Classifier"
	classifyMethod = "/" + serviceName + "/Classify"
)

type classifierService interface {
	classify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.ListValue, error)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*classifierService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "retinascan/inference/v1/classifier.proto",
}

func classifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(classifierService).classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(classifierService).classify(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterClassifierServer exposes engine on s so other processes can use it
// through DialClassifier. Requests must carry a (1, inputSize, inputSize, 3)
// tensor.
func RegisterClassifierServer(s *grpc.Server, engine inference.Engine, inputSize int, logger *zap.Logger) {
	s.RegisterService(&classifierServiceDesc, &classifierServer{engine: engine, inputSize: inputSize, logger: logger})
}

type classifierServer struct {
	engine    inference.Engine
	inputSize int
	logger    *zap.Logger
}

func (s *classifierServer) checkShape(t *imageprocessor.Tensor) error {
	want := [4]int{1, s.inputSize, s.inputSize, imageprocessor.Channels}
	if got := t.Shape(); got != want {
		return fmt.Errorf("tensor shape %v, want %v", got, want)
	}
	return nil
}

func (s *classifierServer) classify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	tensor, err := DecodeTensor(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.checkShape(tensor); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	scores, err := s.engine.Classify(ctx, tensor)
	if err != nil {
		s.logger.Error("classification failed", zap.Error(err))
		if errors.Is(err, inference.ErrEngineUnavailable) {
			return nil, status.Error(codes.FailedPrecondition, "model not loaded")
		}
		return nil, status.Error(codes.Internal, "classification failed")
	}

	values := make([]*structpb.Value, len(scores))
	for i, v := range scores {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return &structpb.ListValue{Values: values}, nil
}
