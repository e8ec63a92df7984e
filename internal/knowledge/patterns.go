package knowledge

import "github.com/enterprise/fraud-orchestrator/internal/fraud"

// CanonicalPatterns returns the ten seeded fraud patterns. They carry
// no vectors: Insert embeds each description through the Store's
// configured Embedder, so the seeds land in the same vector space as
// query and learned-pattern embeddings.
func CanonicalPatterns() []fraud.FraudPattern {
	descriptions := []struct {
		name, description string
		severity          fraud.Severity
	}{
		{"card_testing", "Repeated small-value authorizations across many cards from the same origin, probing for valid card numbers.", fraud.SeverityHigh},
		{"rapid_fire", "Multiple transactions from the same user within seconds of each other, inconsistent with human checkout pacing.", fraud.SeverityHigh},
		{"bin_probing", "Sequential card numbers sharing a bank identification number tested in quick succession.", fraud.SeverityHigh},
		{"geo_mismatch", "Shipping and billing countries diverge with no plausible relocation history.", fraud.SeverityMedium},
		{"new_account_large_amount", "An account under 24 hours old places an order well above typical first-purchase size.", fraud.SeverityMedium},
		{"digital_goods_burst", "A burst of purchases concentrated on instantly-redeemable digital goods, favored for fast resale.", fraud.SeverityHigh},
		{"triangulation", "Goods shipped to a third-party address distinct from both billing and the account holder's known addresses.", fraud.SeverityCritical},
		{"address_shuffle", "Shipping address changed across consecutive orders on the same account in a short span.", fraud.SeverityMedium},
		{"fee_skimming", "Small recurring authorizations sized just under a fee-waiver or review threshold.", fraud.SeverityLow},
		{"takeover_drift", "Account behavior (device, location, ordering pattern) drifts sharply from its established baseline.", fraud.SeverityCritical},
	}

	patterns := make([]fraud.FraudPattern, 0, len(descriptions))
	for _, d := range descriptions {
		patterns = append(patterns, fraud.FraudPattern{
			FraudType:   d.name,
			Description: d.description,
			Severity:    d.severity,
			Source:      fraud.SourceSeeded,
		})
	}
	return patterns
}
