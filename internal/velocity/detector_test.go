package velocity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

func TestDetect_RapidFire(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := []fraud.VelocityEntry{
		{OrderID: "o1", Amount: 50, Timestamp: base},
		{OrderID: "o2", Amount: 50, Timestamp: base.Add(3 * time.Second)},
	}
	current := fraud.TransactionEvent{OrderID: "o3", Amount: 50, Timestamp: base.Add(6 * time.Second)}

	findings := Detect(window, current)
	assert.Len(t, findings, 1)
	assert.Equal(t, RapidFire, findings[0].Pattern)
	assert.InDelta(t, 0.9, Signal(findings), 0.0001)
}

func TestDetect_CardTesting(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := []fraud.VelocityEntry{
		{OrderID: "o1", Amount: 2, Timestamp: base},
		{OrderID: "o2", Amount: 3, Timestamp: base.Add(time.Minute)},
	}
	current := fraud.TransactionEvent{OrderID: "o3", Amount: 4, Timestamp: base.Add(4 * time.Minute)}

	findings := Detect(window, current)
	var names []PatternName
	for _, f := range findings {
		names = append(names, f.Pattern)
	}
	assert.Contains(t, names, CardTesting)
}

func TestDetect_NoPatterns(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	current := fraud.TransactionEvent{OrderID: "o1", Amount: 45, Timestamp: base}

	findings := Detect(nil, current)
	assert.Empty(t, findings)
	assert.Equal(t, 0.0, Signal(findings))
}

func TestDetect_ElevatedFrequency(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var window []fraud.VelocityEntry
	for i := 0; i < 10; i++ {
		window = append(window, fraud.VelocityEntry{
			OrderID:   "o" + string(rune('a'+i)),
			Amount:    20,
			Timestamp: base.Add(time.Duration(i) * 20 * time.Second),
		})
	}
	current := fraud.TransactionEvent{OrderID: "current", Amount: 20, Timestamp: base.Add(200 * time.Second)}

	findings := Detect(window, current)
	var names []PatternName
	for _, f := range findings {
		names = append(names, f.Pattern)
	}
	assert.Contains(t, names, ElevatedFrequency)
}
