package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
	"github.com/example/retinascan/internal/labels"
	"github.com/example/retinascan/internal/logging"
	"github.com/example/retinascan/internal/metrics"
	"github.com/example/retinascan/internal/repository"
)

type stubLedger struct {
	appended  []*repository.PredictionRecord
	appendErr error
	recent    []repository.PredictionRecord
	recentErr error
	limits    []int
	counts    []repository.LabelCount
}

func (s *stubLedger) Append(ctx context.Context, record *repository.PredictionRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	record.ID = uint(len(s.appended) + 1)
	s.appended = append(s.appended, record)
	return nil
}

func (s *stubLedger) Recent(ctx context.Context, userID uint, limit int) ([]repository.PredictionRecord, error) {
	s.limits = append(s.limits, limit)
	return s.recent, s.recentErr
}

func (s *stubLedger) CountByLabel(ctx context.Context, userID uint) ([]repository.LabelCount, error) {
	return s.counts, nil
}

type stubEngine struct {
	scores []float32
	err    error
	calls  int
}

func (s *stubEngine) Classify(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func blackPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

func newUseCase(t *testing.T, engine inference.Engine, ledger Ledger) (*ClassificationUseCase, *metrics.Metrics) {
	t.Helper()
	normalizer, err := imageprocessor.NewNormalizer(16)
	require.NoError(t, err)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	classifier := inference.NewClassifier(engine, labels.MustDefault())
	return NewClassificationUseCase(normalizer, classifier, ledger, m, zap.NewNop(), 0), m
}

func TestClassifyRecordsOnePrediction(t *testing.T) {
	ledger := &stubLedger{}
	uc, m := newUseCase(t, &stubEngine{scores: []float32{0.1, 0.6, 0.1, 0.1, 0.1}}, ledger)

	result, err := uc.Classify(context.Background(), 12, blackPNG(t))
	require.NoError(t, err)

	assert.Equal(t, "Mild", result.Label)
	assert.Equal(t, 1, result.ClassIndex)
	assert.InDelta(t, 0.6, result.Confidence, 1e-6)
	assert.NotEmpty(t, result.RequestID)
	require.Len(t, result.Scores, labels.Count)
	assert.Equal(t, "Proliferative DR", result.Scores[4].Label)

	require.Len(t, ledger.appended, 1)
	record := ledger.appended[0]
	assert.Equal(t, uint(12), record.UserID)
	assert.Equal(t, record.Probabilities[record.ClassIndex], record.Confidence)
	assert.Equal(t, record.ID, result.RecordID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues("Mild")))
}

func TestClassifyDecodeFailureWritesNothing(t *testing.T) {
	ledger := &stubLedger{}
	engine := &stubEngine{scores: []float32{1, 0, 0, 0, 0}}
	uc, m := newUseCase(t, engine, ledger)

	_, err := uc.Classify(context.Background(), 1, []byte("not an image"))
	require.ErrorIs(t, err, imageprocessor.ErrDecode)

	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "usecase.normalize", opErr.Operation)

	assert.Empty(t, ledger.appended)
	assert.Zero(t, engine.calls, "engine must not run on undecodable input")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues(metrics.ReasonDecode)))
}

func TestClassifyEmptyInput(t *testing.T) {
	ledger := &stubLedger{}
	uc, _ := newUseCase(t, &stubEngine{}, ledger)

	_, err := uc.Classify(context.Background(), 1, nil)
	assert.ErrorIs(t, err, imageprocessor.ErrEmptyInput)
	assert.Empty(t, ledger.appended)
}

func TestClassifyEngineUnavailableWritesNothing(t *testing.T) {
	ledger := &stubLedger{}
	uc, m := newUseCase(t, inference.Unavailable(errors.New("model missing")), ledger)

	_, err := uc.Classify(context.Background(), 1, blackPNG(t))
	assert.ErrorIs(t, err, inference.ErrEngineUnavailable)
	assert.Empty(t, ledger.appended)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues(metrics.ReasonUnavailable)))
}

func TestClassifyEngineUnreachableCountsSeparately(t *testing.T) {
	ledger := &stubLedger{}
	engine := &stubEngine{err: fmt.Errorf("%w: connection refused", inference.ErrEngineUnreachable)}
	uc, m := newUseCase(t, engine, ledger)

	_, err := uc.Classify(context.Background(), 1, blackPNG(t))
	assert.ErrorIs(t, err, inference.ErrEngineUnreachable)
	assert.Empty(t, ledger.appended)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues(metrics.ReasonUnreachable)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues(metrics.ReasonUnavailable)))
}

func TestClassifySurfacesStorageError(t *testing.T) {
	ledger := &stubLedger{appendErr: repository.ErrStorage}
	uc, _ := newUseCase(t, &stubEngine{scores: []float32{1, 0, 0, 0, 0}}, ledger)

	_, err := uc.Classify(context.Background(), 1, blackPNG(t))
	assert.ErrorIs(t, err, repository.ErrStorage)
}

func TestHistoryUsesConfiguredLimit(t *testing.T) {
	ledger := &stubLedger{recent: []repository.PredictionRecord{{ID: 2}, {ID: 1}}}
	uc, _ := newUseCase(t, &stubEngine{}, ledger)

	records, err := uc.History(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []int{repository.DefaultRecentLimit}, ledger.limits)
}

func TestHistoryPropagatesStorageError(t *testing.T) {
	uc, _ := newUseCase(t, &stubEngine{}, &stubLedger{recentErr: repository.ErrStorage})

	_, err := uc.History(context.Background(), 4)
	assert.ErrorIs(t, err, repository.ErrStorage)
}

func TestGetSummaryTotalsCounts(t *testing.T) {
	ledger := &stubLedger{counts: []repository.LabelCount{{Label: "Mild", Count: 3}, {Label: "No DR", Count: 2}}}
	uc, _ := newUseCase(t, &stubEngine{}, ledger)

	summary, err := uc.GetSummary(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), summary.TotalPredictions)
	assert.Equal(t, int64(3), summary.ByLabel["Mild"])
}
