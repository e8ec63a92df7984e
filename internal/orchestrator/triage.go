package orchestrator

import (
	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/velocity"
)

// Thresholds mirrors configs.ThresholdConfig's triage constants, kept
// as its own small type so this package does not import configs (and
// stays testable with literal values).
type Thresholds struct {
	Block            float64
	Review           float64
	Agent            float64
	AgentCoverageMin float64
}

// triageInput bundles everything the triage ladder and overrides need
// beyond the fused score and confidence.
type triageInput struct {
	score      float64
	confidence float64
	coverage   float64

	hardFlagged         bool // user or IP already flagged going into this event
	priorConfirmedFraud bool // user is flagged with a nonzero fraud count (flags come from earlier BLOCK or MANUAL_REVIEW decisions)
	highSeverityFactors int
	rapidFireDetected   bool
	firstTimeUser       bool
	amount              float64
}

// shouldRunAgents reports whether triage selects agent escalation:
// the score clears the agent threshold and enough signals actually
// responded to make an investigation worthwhile.
func shouldRunAgents(in triageInput, t Thresholds) bool {
	return in.score >= t.Agent && in.coverage >= t.AgentCoverageMin
}

// ladderDecision applies the plain (non-agent) triage ladder.
func ladderDecision(in triageInput, t Thresholds) fraud.Decision {
	switch {
	case in.hardFlagged:
		return fraud.Block
	case in.score >= t.Block:
		return fraud.Block
	case in.score >= t.Review:
		return fraud.ManualReview
	default:
		return fraud.Approve
	}
}

// applyOverrides applies the deterministic post-fusion overrides,
// whether or not agents ran.
func applyOverrides(decision fraud.Decision, in triageInput) (fraud.Decision, []string) {
	var reasons []string

	// Force MANUAL_REVIEW is evaluated first; force BLOCK is evaluated
	// last and wins any conflict, since it names strictly stronger
	// evidence (confirmed repeat fraud, corroborated high-severity
	// factors, or rapid-fire) than a bare confidence/first-time check.
	if in.confidence < 0.6 || (in.firstTimeUser && in.amount > 500) {
		if decision != fraud.ManualReview {
			reasons = append(reasons, "override_force_manual_review")
		}
		decision = fraud.ManualReview
	}

	if in.priorConfirmedFraud || in.highSeverityFactors >= 3 || in.rapidFireDetected {
		if decision != fraud.Block {
			reasons = append(reasons, "override_force_block")
		}
		decision = fraud.Block
	}

	return decision, reasons
}

// countHighSeverityFactors counts contributing factors at high/critical
// severity, used by the ≥3-high-severity-factors override.
func countHighSeverityFactors(factors []fraud.ContributingFactor) int {
	count := 0
	for _, f := range factors {
		if f.Impact >= severityWeight("high") {
			count++
		}
	}
	return count
}

// rapidFireDetected reports whether the rapid-fire velocity pattern is
// present among the detector's findings.
func rapidFireDetected(findings []velocity.Finding) bool {
	for _, f := range findings {
		if f.Pattern == velocity.RapidFire {
			return true
		}
	}
	return false
}
