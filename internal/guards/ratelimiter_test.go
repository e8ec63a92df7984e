package guards

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLLMRateLimiter_AllowsWithinBudget(t *testing.T) {
	l := NewLLMRateLimiter(20, 3*time.Second, 30*time.Second)
	assert.True(t, l.Allow())
}

func TestLLMRateLimiter_BlocksThenFailsPastMaxWait(t *testing.T) {
	l := NewLLMRateLimiter(1, time.Minute, 20*time.Millisecond)
	assert.True(t, l.Allow()) // consumes the single burst token

	err := l.Wait(context.Background())
	assert.Error(t, err)
}
