package mlscore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

func TestBuildFeatures_Dimension(t *testing.T) {
	a := New(nil, DefaultMedians)
	event := fraud.TransactionEvent{
		Amount:          120.50,
		Timestamp:       time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC),
		ShippingCountry: "US",
		BillingCountry:  "FR",
		PaymentMethod:   "card",
		AccountAgeDays:  10,
	}
	features := a.BuildFeatures(event, UserStats{RollingMeanAmount: 80, RollingCount: 4})
	require.Len(t, features, FeatureVectorDim)
	assert.Equal(t, 1.0, features[3]) // country mismatch flag
}

func TestBuildFeatures_MedianFill(t *testing.T) {
	a := New(nil, DefaultMedians)
	event := fraud.TransactionEvent{Amount: 30, Timestamp: time.Now(), AccountAgeDays: 0}
	features := a.BuildFeatures(event, UserStats{})
	assert.Equal(t, DefaultMedians.AccountAgeDays, features[5])
	assert.Equal(t, DefaultMedians.RollingMeanAmount, features[6])
}

func TestScore_ClampedRange(t *testing.T) {
	a := New(func(features []float64) (float64, error) { return 5.0, nil }, DefaultMedians)
	score, err := a.Score(context.Background(), fraud.TransactionEvent{Amount: 10, Timestamp: time.Now()}, UserStats{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestScore_PredictErrorIsTransient(t *testing.T) {
	a := New(func(features []float64) (float64, error) { return 0, errors.New("model unavailable") }, DefaultMedians)
	_, err := a.Score(context.Background(), fraud.TransactionEvent{Amount: 10, Timestamp: time.Now()}, UserStats{})
	require.Error(t, err)
	assert.Equal(t, fraud.TransientIO, fraud.KindOf(err))
}

func TestValidate_DimensionMismatchIsFatal(t *testing.T) {
	a := New(func(features []float64) (float64, error) {
		return 0, fraud.ErrFeatureVectorMismatch
	}, DefaultMedians)
	err := a.Validate()
	require.Error(t, err)
	assert.Equal(t, fraud.Fatal, fraud.KindOf(err))
}

func TestDefaultPredict_Deterministic(t *testing.T) {
	features := []float64{4.8, 0.5, 0.86, 1, 0.3, 10, 80, 4, 12}
	s1, err1 := DefaultPredict(features)
	s2, err2 := DefaultPredict(features)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, s1, s2)
	assert.GreaterOrEqual(t, s1, 0.0)
	assert.LessOrEqual(t, s1, 1.0)
}

func TestDefaultPredict_DimensionMismatch(t *testing.T) {
	_, err := DefaultPredict([]float64{1, 2, 3})
	assert.Error(t, err)
}
