// Package fraud holds the domain types shared across the orchestrator,
// its detectors, the agent runtime, and the transport/storage adapters.
package fraud

import (
	"time"
)

// Decision is the final disposition of a transaction event.
type Decision string

const (
	Approve       Decision = "APPROVE"
	ManualReview  Decision = "MANUAL_REVIEW"
	Block         Decision = "BLOCK"
)

// Severity grades supporting evidence and vector-KB pattern records.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "med"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PatternSource distinguishes startup-seeded fraud patterns from ones
// learned at runtime from confirmed blocks.
type PatternSource string

const (
	SourceSeeded  PatternSource = "seeded"
	SourceLearned PatternSource = "learned"
)

// FlagReason enumerates why a user or IP reputation record was flagged.
type FlagReason string

const (
	ReasonRapidFire       FlagReason = "rapid_fire"
	ReasonCardTesting     FlagReason = "card_testing"
	ReasonHighRiskScore   FlagReason = "high_risk_score"
	ReasonAgentBlock      FlagReason = "agent_block"
	ReasonManualOverride  FlagReason = "manual_override"
)

// TransactionEvent is the input event consumed from the transaction bus.
type TransactionEvent struct {
	OrderID           string            `json:"order_id"`
	UserID            string            `json:"user_id"`
	IPAddress         string            `json:"ip_address"`
	Amount            float64           `json:"amount"`
	Timestamp         time.Time         `json:"timestamp"`
	PaymentMethod     string            `json:"payment_method"`
	Currency          string            `json:"currency"`
	ShippingCountry   string            `json:"shipping_country"`
	BillingCountry    string            `json:"billing_country"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	AccountAgeDays    float64           `json:"account_age_days"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// UserReputation is the reputation record keyed by user_id.
type UserReputation struct {
	UserID     string        `json:"user_id"`
	Flagged    bool          `json:"flagged"`
	FlagReason FlagReason    `json:"flag_reason,omitempty"`
	FlaggedAt  time.Time     `json:"flagged_at,omitempty"`
	FlagTTL    time.Duration `json:"flag_ttl,omitempty"`
	FraudCount int           `json:"fraud_count"`
	// RecentReviewCount7d counts MANUAL_REVIEW decisions in the last 7 days.
	RecentReviewCount7d int `json:"recent_review_count_7d"`
}

// IPReputation is the reputation record keyed by ip_address.
type IPReputation struct {
	IPAddress      string    `json:"ip_address"`
	Flagged        bool      `json:"flagged"`
	FraudCaseCount int       `json:"fraud_case_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// VelocityEntry is one tuple in a user's velocity window.
type VelocityEntry struct {
	OrderID   string    `json:"order_id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// FraudPattern is a vector-KB entry: an embedded fraud description
// plus its metadata.
type FraudPattern struct {
	ID                 string        `json:"id"`
	Description        string        `json:"description"`
	Vector             []float32     `json:"-"`
	FraudType          string        `json:"fraud_type"`
	Severity           Severity      `json:"severity"`
	ExampleAmountRange string        `json:"example_amount_range"`
	CreatedAt          time.Time     `json:"created_at"`
	Source             PatternSource `json:"source"`
}

// ContributingFactor is one named, weighted, evidenced reason behind a
// decision.
type ContributingFactor struct {
	FactorName string  `json:"factor_name"`
	Impact     float64 `json:"impact"`
	Evidence   string  `json:"evidence"`
}

// DecisionRecord is the output of the orchestrator pipeline for one
// transaction event.
type DecisionRecord struct {
	OrderID             string               `json:"order_id"`
	Decision            Decision             `json:"decision"`
	RiskScore           float64              `json:"risk_score"`
	Confidence          float64              `json:"confidence"`
	ContributingFactors []ContributingFactor `json:"contributing_factors"`
	AgentTrace          *AgentTrace          `json:"agent_trace,omitempty"`
	ElapsedMs           int64                `json:"elapsed_ms"`
	DecidedAt           time.Time            `json:"decided_at"`
}

// AgentTrace captures the outcome of the three-role investigation for
// one escalated event, or its skip/failure status.
type AgentTrace struct {
	Status        string               `json:"status"` // "completed", "failed", "skipped_rate_limit"
	Investigation *InvestigationReport `json:"investigation,omitempty"`
	Risk          *RiskAssessment      `json:"risk,omitempty"`
	Decision      *AgentDecision       `json:"decision,omitempty"`
}

// InvestigationReport is the Investigation role's structured output.
type InvestigationReport struct {
	RedFlags          []string `json:"red_flags"`
	HistoricalContext string   `json:"historical_context"`
	SimilarCases      []string `json:"similar_cases"`
	VelocityFindings  string   `json:"velocity_findings"`
	RiskFactors       []string `json:"risk_factors"`
	EvidenceStrength  string   `json:"evidence_strength"` // strong, moderate, weak
}

// SignalBreakdown mirrors the five fusion weights, possibly reweighted
// within ±0.05 by the Risk role.
type SignalBreakdown struct {
	MLWeight          float64 `json:"ml_weight"`
	VelocityWeight    float64 `json:"velocity_weight"`
	HistoricalWeight  float64 `json:"historical_weight"`
	SimilarCaseWeight float64 `json:"similar_case_weight"`
	AnomalyWeight     float64 `json:"anomaly_weight"`
	Justification     string  `json:"justification,omitempty"`
}

// RiskAssessment is the Risk role's structured output.
type RiskAssessment struct {
	FraudProbability float64         `json:"fraud_probability"`
	Breakdown        SignalBreakdown `json:"breakdown"`
	Confidence       float64         `json:"confidence"`
	TopFactors       []string        `json:"top_factors"`
}

// AgentDecision is the Decision role's structured output.
type AgentDecision struct {
	Decision      Decision `json:"decision"`
	Justification string   `json:"justification"`
	Indicators    []string `json:"indicators"`
	NextActions   string   `json:"next_actions"`
}
