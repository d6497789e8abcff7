package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open(context.Background(), DatabaseOptions{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(context.Background(), db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	repo := NewPredictionRepository(newTestDB(t))

	record := &PredictionRecord{UserID: 1, Label: "Mild", ClassIndex: 1, Confidence: 0.8, Probabilities: []float64{0.1, 0.8, 0.05, 0.03, 0.02}}
	require.NoError(t, repo.Append(context.Background(), record))

	assert.NotZero(t, record.ID)
	assert.False(t, record.CreatedAt.IsZero())

	records, err := repo.Recent(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float64{0.1, 0.8, 0.05, 0.03, 0.02}, records[0].Probabilities)
}

func TestRecentReturnsTenNewestFirst(t *testing.T) {
	repo := NewPredictionRepository(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 15; i++ {
		require.NoError(t, repo.Append(ctx, &PredictionRecord{
			UserID:     7,
			Label:      "Moderate",
			ClassIndex: 2,
			Confidence: float64(i) / 15,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := repo.Recent(ctx, 7, DefaultRecentLimit)
	require.NoError(t, err)
	require.Len(t, records, 10)

	assert.True(t, records[0].CreatedAt.Equal(base.Add(14*time.Minute)))
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i-1].CreatedAt.After(records[i].CreatedAt), "records %d and %d out of order", i-1, i)
	}
}

func TestRecentBreaksTimestampTiesByInsertionOrder(t *testing.T) {
	repo := NewPredictionRepository(newTestDB(t))
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &PredictionRecord{UserID: 3, Label: "Mild", ClassIndex: 1, Confidence: 0.6, CreatedAt: at}
	second := &PredictionRecord{UserID: 3, Label: "Severe", ClassIndex: 3, Confidence: 0.7, CreatedAt: at}
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	records, err := repo.Recent(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)
}

func TestRecentIsScopedToUser(t *testing.T) {
	repo := NewPredictionRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, &PredictionRecord{UserID: 1, Label: "Mild", Confidence: 0.9}))
	require.NoError(t, repo.Append(ctx, &PredictionRecord{UserID: 2, Label: "Severe", Confidence: 0.9}))

	records, err := repo.Recent(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Severe", records[0].Label)
}

func TestConcurrentAppendsAreAllRecorded(t *testing.T) {
	repo := NewPredictionRepository(newTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := uint(1); u <= 4; u++ {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(userID uint) {
				defer wg.Done()
				assert.NoError(t, repo.Append(ctx, &PredictionRecord{UserID: userID, Label: "No DR", Confidence: 0.5}))
			}(u)
		}
	}
	wg.Wait()

	for u := uint(1); u <= 4; u++ {
		records, err := repo.Recent(ctx, u, 10)
		require.NoError(t, err)
		assert.Len(t, records, 5)
	}
}

func TestCountByLabel(t *testing.T) {
	repo := NewPredictionRepository(newTestDB(t))
	ctx := context.Background()

	for _, label := range []string{"Mild", "Mild", "Severe"} {
		require.NoError(t, repo.Append(ctx, &PredictionRecord{UserID: 9, Label: label, Confidence: 0.5}))
	}

	counts, err := repo.CountByLabel(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []LabelCount{{Label: "Mild", Count: 2}, {Label: "Severe", Count: 1}}, counts)
}

func TestStorageFailureSurfacesErrStorage(t *testing.T) {
	db := newTestDB(t)
	repo := NewPredictionRepository(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = repo.Append(context.Background(), &PredictionRecord{UserID: 1, Label: "Mild"})
	assert.ErrorIs(t, err, ErrStorage)

	_, err = repo.Recent(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestUserCreateRejectsDuplicates(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &User{Username: "ana", Email: "ana@example.com", PasswordHash: "x"}))

	err := repo.Create(ctx, &User{Username: "ana", Email: "other@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrDuplicateUser)
	err = repo.Create(ctx, &User{Username: "bo", Email: "ana@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestFindByUsername(t *testing.T) {
	repo := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.FindByUsername(ctx, "ghost")
	require.ErrorIs(t, err, ErrUserNotFound)

	created := &User{Username: "ana", Email: "ana@example.com", PasswordHash: "hash"}
	require.NoError(t, repo.Create(ctx, created))

	found, err := repo.FindByUsername(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "hash", found.PasswordHash)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), DatabaseOptions{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
