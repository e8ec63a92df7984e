// Package mlscore implements the ML detector adapter: feature
// extraction from a transaction event plus rolling user stats, and a
// pluggable predict boundary treating the underlying model as a black
// box.
package mlscore

import (
	"context"
	"math"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// FeatureVectorDim is the length of the feature vector this adapter
// builds. A predict function expecting a different dimension is a
// startup configuration mismatch, not something to pad or truncate
// silently.
const FeatureVectorDim = 9

// PredictFunc is the black-box model boundary: given a feature vector,
// return a fraud probability in [0,1]. Implementations must be safe
// for concurrent use.
type PredictFunc func(features []float64) (float64, error)

// UserStats are the rolling statistics needed to build the feature
// vector; callers (the orchestrator) supply these from the velocity
// window and reputation lookups already performed earlier in the
// pipeline so this package never does its own I/O.
type UserStats struct {
	RollingMeanAmount float64
	RollingCount      int
	RollingStdDev     float64
}

// PopulationMedians fills in for missing/zero-value features so a
// sparse history never produces a degenerate feature vector.
type PopulationMedians struct {
	AccountAgeDays    float64
	RollingMeanAmount float64
}

var DefaultMedians = PopulationMedians{
	AccountAgeDays:    90,
	RollingMeanAmount: 60,
}

// Adapter wraps a PredictFunc and validates the vector dimension it
// produces matches what the model expects.
type Adapter struct {
	predict PredictFunc
	medians PopulationMedians
}

// New builds an Adapter. When predict is nil, DefaultPredict (a
// deterministic logistic ensemble) is used.
func New(predict PredictFunc, medians PopulationMedians) *Adapter {
	if predict == nil {
		predict = DefaultPredict
	}
	return &Adapter{predict: predict, medians: medians}
}

// BuildFeatures assembles the model's input vector: log-amount,
// hour-of-day sin/cos pair, country-mismatch flag, payment-method risk
// scalar, account-age days, rolling-mean-amount, rolling-count, and
// rolling-stddev.
func (a *Adapter) BuildFeatures(event fraud.TransactionEvent, stats UserStats) []float64 {
	logAmount := math.Log1p(math.Max(event.Amount, 0))

	hour := float64(event.Timestamp.Hour()) + float64(event.Timestamp.Minute())/60.0
	angle := 2 * math.Pi * hour / 24.0
	hourSin := math.Sin(angle)
	hourCos := math.Cos(angle)

	countryMismatch := 0.0
	if event.ShippingCountry != "" && event.BillingCountry != "" && event.ShippingCountry != event.BillingCountry {
		countryMismatch = 1.0
	}

	paymentRisk := paymentMethodRisk(event.PaymentMethod)

	accountAge := event.AccountAgeDays
	if accountAge <= 0 {
		accountAge = a.medians.AccountAgeDays
	}

	rollingMean := stats.RollingMeanAmount
	if rollingMean <= 0 {
		rollingMean = a.medians.RollingMeanAmount
	}

	return []float64{
		logAmount,
		hourSin,
		hourCos,
		countryMismatch,
		paymentRisk,
		accountAge,
		rollingMean,
		float64(stats.RollingCount),
		stats.RollingStdDev,
	}
}

// paymentMethodRisk collapses a one-hot payment-method encoding into a
// single prior-risk scalar, since the adapter treats the downstream
// model as opaque and only needs to hand it a fixed-length vector.
func paymentMethodRisk(method string) float64 {
	switch method {
	case "card":
		return 0.3
	case "wallet":
		return 0.2
	case "bank_transfer":
		return 0.1
	case "crypto":
		return 0.6
	default:
		return 0.4
	}
}

// Score runs the feature vector through the predict function,
// validating its dimension. A mismatch is FATAL and must surface at
// startup via Validate, not be silently handled per-call.
func (a *Adapter) Score(ctx context.Context, event fraud.TransactionEvent, stats UserStats) (float64, error) {
	features := a.BuildFeatures(event, stats)
	if len(features) != FeatureVectorDim {
		return 0, fraud.Wrap(fraud.Fatal, fraud.ErrFeatureVectorMismatch)
	}
	score, err := a.predict(features)
	if err != nil {
		return 0, fraud.Wrap(fraud.TransientIO, err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Validate confirms the adapter's predict function accepts the vector
// dimension this package produces, to be called once at startup.
func (a *Adapter) Validate() error {
	probe := make([]float64, FeatureVectorDim)
	if _, err := a.predict(probe); err != nil {
		return fraud.Wrap(fraud.Fatal, err)
	}
	return nil
}

// DefaultPredict is a deterministic logistic-ensemble fallback used
// when no external model is wired: a weighted sum of
// sigmoid-transformed feature signals.
func DefaultPredict(features []float64) (float64, error) {
	if len(features) != FeatureVectorDim {
		return 0, fraud.ErrFeatureVectorMismatch
	}
	logAmount, hourSin, hourCos, countryMismatch, paymentRisk, accountAge, rollingMean, rollingCount, rollingStdDev := features[0], features[1], features[2], features[3], features[4], features[5], features[6], features[7], features[8]

	_ = hourCos
	weights := struct {
		amount, time, country, payment, age, behavior float64
	}{amount: 0.25, time: 0.10, country: 0.20, payment: 0.15, age: 0.15, behavior: 0.15}

	amountRisk := sigmoid(logAmount - math.Log1p(rollingMean) - 1)
	timeRisk := sigmoid(-hourSin) // night hours (negative sine) skew riskier
	countryRisk := countryMismatch
	ageRisk := sigmoid(-(accountAge - 30) / 30)

	behaviorRisk := 0.0
	if rollingStdDev > 0 {
		behaviorRisk = sigmoid((math.Max(0, rollingCount-5))/5 - 1)
	}

	score := weights.amount*amountRisk +
		weights.time*timeRisk +
		weights.country*countryRisk +
		weights.payment*paymentRisk +
		weights.age*ageRisk +
		weights.behavior*behaviorRisk

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
