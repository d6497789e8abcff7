package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
	"github.com/example/retinascan/internal/logging"
)

// DialClassifier returns an inference engine backed by a remote classifier
// service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger) (inference.Engine, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClassifierClient(conn, logger), conn, nil
}

// NewClassifierClient wraps an established connection as an inference engine.
func NewClassifierClient(conn grpc.ClientConnInterface, logger *zap.Logger) inference.Engine {
	return &grpcClassifier{conn: conn, logger: logger}
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	req := &wrapperspb.BytesValue{Value: EncodeTensor(tensor)}
	resp := &structpb.ListValue{}
	if err := g.conn.Invoke(ctx, classifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		g.logger.Error("classifier call failed", zap.Error(wrapped))
		switch status.Code(err) {
		case codes.FailedPrecondition:
			return nil, fmt.Errorf("%w: %v", inference.ErrEngineUnavailable, wrapped)
		case codes.Unavailable, codes.DeadlineExceeded:
			return nil, fmt.Errorf("%w: %v", inference.ErrEngineUnreachable, wrapped)
		}
		return nil, wrapped
	}

	scores := make([]float32, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: score %d is not a number", inference.ErrInvalidOutput, i)
		}
		scores[i] = float32(n.NumberValue)
	}
	return scores, nil
}
