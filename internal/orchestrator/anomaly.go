package orchestrator

import (
	"math"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// rollingStats are the per-user statistics computed from the velocity
// window, shared between anomaly detection and the ML feature vector.
type rollingStats struct {
	mean   float64
	stddev float64
	count  int
}

// computeRollingStats derives mean/stddev/count of transaction amounts
// over a user's velocity window.
func computeRollingStats(window []fraud.VelocityEntry) rollingStats {
	if len(window) == 0 {
		return rollingStats{}
	}
	sum := 0.0
	for _, e := range window {
		sum += e.Amount
	}
	mean := sum / float64(len(window))

	variance := 0.0
	for _, e := range window {
		d := e.Amount - mean
		variance += d * d
	}
	variance /= float64(len(window))

	return rollingStats{mean: mean, stddev: math.Sqrt(variance), count: len(window)}
}

// anomalySignal sums the triggered transaction anomalies, capped at
// 1.0.
func anomalySignal(event fraud.TransactionEvent, stats rollingStats) (float64, []string) {
	var total float64
	var evidence []string

	if event.ShippingCountry != "" && event.BillingCountry != "" && event.ShippingCountry != event.BillingCountry {
		total += 0.3
		evidence = append(evidence, "shipping_billing_country_mismatch")
	}

	if stats.stddev > 0 && event.Amount > stats.mean+3*stats.stddev {
		total += 0.4
		evidence = append(evidence, "amount_exceeds_3sigma_rolling_mean")
	}

	if event.AccountAgeDays < 1 && event.Amount > 500 {
		total += 0.3
		evidence = append(evidence, "new_account_large_amount")
	}

	if total > 1.0 {
		total = 1.0
	}
	return total, evidence
}

// historicalSignal grades the user's and IP's reputation history into
// a single signal: flagged or repeat-offending users dominate, then
// flagged IPs, then recent manual reviews.
func historicalSignal(user fraud.UserReputation, ip fraud.IPReputation) (float64, []string) {
	var evidence []string

	if user.Flagged || user.FraudCount >= 3 {
		evidence = append(evidence, "user_flagged_or_repeat_offender")
		return 1.0, evidence
	}
	if ip.Flagged {
		evidence = append(evidence, "ip_flagged")
		return 0.7, evidence
	}
	if user.RecentReviewCount7d > 0 {
		evidence = append(evidence, "prior_manual_review_within_7d")
		return 0.4, evidence
	}
	return 0, evidence
}

// isFirstTimeUser reports whether the user has no prior recorded
// activity, used by the first-time-user override.
func isFirstTimeUser(window []fraud.VelocityEntry, user fraud.UserReputation) bool {
	return len(window) == 0 && user.FraudCount == 0 && !user.Flagged
}
