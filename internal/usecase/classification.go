package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
	"github.com/example/retinascan/internal/logging"
	"github.com/example/retinascan/internal/metrics"
	"github.com/example/retinascan/internal/repository"
)

// Ledger defines the persistence operations needed by the use case.
type Ledger interface {
	Append(ctx context.Context, record *repository.PredictionRecord) error
	Recent(ctx context.Context, userID uint, limit int) ([]repository.PredictionRecord, error)
	CountByLabel(ctx context.Context, userID uint) ([]repository.LabelCount, error)
}

// Normalizer turns upload bytes into a classifier tensor.
type Normalizer interface {
	Normalize(data []byte) (*imageprocessor.Tensor, error)
}

// Predictor scores a tensor against the declared labels.
type Predictor interface {
	Predict(ctx context.Context, tensor *imageprocessor.Tensor) (*inference.Prediction, error)
}

// ClassificationUseCase runs the normalise, score and record pipeline for an
// authenticated user.
type ClassificationUseCase struct {
	normalizer   Normalizer
	predictor    Predictor
	ledger       Ledger
	metrics      *metrics.Metrics
	logger       *zap.Logger
	historyLimit int
}

// ClassLabelScore is one entry of the per-class breakdown.
type ClassLabelScore struct {
	Label       string
	Probability float64
}

// ClassificationResult is returned for a recorded prediction.
type ClassificationResult struct {
	RequestID  string
	RecordID   uint
	Label      string
	ClassIndex int
	Confidence float64
	Scores     []ClassLabelScore
	CreatedAt  time.Time
}

// NewClassificationUseCase constructs a new use case instance. m may be nil.
func NewClassificationUseCase(normalizer Normalizer, predictor Predictor, ledger Ledger, m *metrics.Metrics, logger *zap.Logger, historyLimit int) *ClassificationUseCase {
	if historyLimit <= 0 {
		historyLimit = repository.DefaultRecentLimit
	}
	return &ClassificationUseCase{
		normalizer:   normalizer,
		predictor:    predictor,
		ledger:       ledger,
		metrics:      m,
		logger:       logger.Named("classification_usecase"),
		historyLimit: historyLimit,
	}
}

// Classify normalises image, scores it and appends one ledger record for
// userID. Nothing is recorded unless normalisation and scoring both succeed.
func (uc *ClassificationUseCase) Classify(ctx context.Context, userID uint, image []byte) (*ClassificationResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID).With(zap.Uint("user_id", userID))

	start := time.Now()
	tensor, err := uc.normalizer.Normalize(image)
	uc.metrics.ObserveNormalize(time.Since(start))
	if err != nil {
		uc.metrics.ClassificationFailed(normalizeFailureReason(err))
		opLogger.Warn("image normalisation failed", zap.Error(err), zap.Int("bytes", len(image)))
		return nil, logging.NewOperationError("usecase.normalize", requestID, err)
	}

	start = time.Now()
	prediction, err := uc.predictor.Predict(ctx, tensor)
	uc.metrics.ObserveInference(time.Since(start))
	if err != nil {
		reason := metrics.ReasonInference
		switch {
		case errors.Is(err, inference.ErrEngineUnavailable):
			reason = metrics.ReasonUnavailable
		case errors.Is(err, inference.ErrEngineUnreachable):
			reason = metrics.ReasonUnreachable
		}
		uc.metrics.ClassificationFailed(reason)
		opLogger.Error("classification failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.predict", requestID, err)
	}

	record := &repository.PredictionRecord{
		UserID:        userID,
		Label:         prediction.Label,
		ClassIndex:    prediction.ClassIndex,
		Confidence:    prediction.Confidence,
		Probabilities: prediction.Scores,
	}
	if err := uc.ledger.Append(ctx, record); err != nil {
		uc.metrics.ClassificationFailed(metrics.ReasonStorage)
		opLogger.Error("failed to record prediction", zap.Error(err))
		return nil, logging.NewOperationError("usecase.record", requestID, err)
	}
	uc.metrics.ClassificationSucceeded(prediction.Label)

	opLogger.Info("prediction recorded",
		zap.Uint("record_id", record.ID),
		zap.String("label", prediction.Label),
		zap.Float64("confidence", prediction.Confidence))

	return &ClassificationResult{
		RequestID:  requestID,
		RecordID:   record.ID,
		Label:      prediction.Label,
		ClassIndex: prediction.ClassIndex,
		Confidence: prediction.Confidence,
		Scores:     uc.breakdown(prediction),
		CreatedAt:  record.CreatedAt,
	}, nil
}

// History returns the user's most recent predictions, newest first.
func (uc *ClassificationUseCase) History(ctx context.Context, userID uint) ([]repository.PredictionRecord, error) {
	records, err := uc.ledger.Recent(ctx, userID, uc.historyLimit)
	if err != nil {
		uc.logger.Error("failed to load history", zap.Error(err), zap.Uint("user_id", userID))
		return nil, err
	}
	return records, nil
}

func (uc *ClassificationUseCase) breakdown(p *inference.Prediction) []ClassLabelScore {
	out := make([]ClassLabelScore, len(p.Scores))
	for i, s := range p.Scores {
		out[i].Probability = s
		if i < len(p.Labels) {
			out[i].Label = p.Labels[i]
		}
	}
	return out
}

func normalizeFailureReason(err error) string {
	if errors.Is(err, imageprocessor.ErrEmptyInput) {
		return metrics.ReasonEmptyInput
	}
	return metrics.ReasonDecode
}
