package usecase

import "context"

// Summary aggregates a user's recorded predictions.
type Summary struct {
	TotalPredictions int64            `json:"total_predictions"`
	ByLabel          map[string]int64 `json:"by_label"`
}

// GetSummary counts the user's predictions per label.
func (uc *ClassificationUseCase) GetSummary(ctx context.Context, userID uint) (*Summary, error) {
	counts, err := uc.ledger.CountByLabel(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{ByLabel: make(map[string]int64, len(counts))}
	for _, c := range counts {
		summary.ByLabel[c.Label] = c.Count
		summary.TotalPredictions += c.Count
	}
	return summary, nil
}
