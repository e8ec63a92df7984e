package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnqueueWrite_DropsOldestPastCapacity(t *testing.T) {
	s := &Store{stopDrain: make(chan struct{})}

	for i := 0; i < writeBufferCap+7; i++ {
		s.enqueueWrite(pendingWrite{do: func(ctx context.Context) error { return nil }})
	}

	assert.Equal(t, int64(7), s.LossCount())
	s.mu.Lock()
	assert.Len(t, s.buffer, writeBufferCap)
	s.mu.Unlock()
}

func TestDrainOnceNow_RequeuesFailedWrites(t *testing.T) {
	s := &Store{stopDrain: make(chan struct{})}

	attempts := 0
	s.enqueueWrite(pendingWrite{do: func(ctx context.Context) error {
		attempts++
		return errors.New("still down")
	}})
	s.enqueueWrite(pendingWrite{do: func(ctx context.Context) error { return nil }})

	s.drainOnceNow()

	assert.Equal(t, 1, attempts)
	s.mu.Lock()
	assert.Len(t, s.buffer, 1) // only the failing write remains
	s.mu.Unlock()

	s.drainOnceNow()
	assert.Equal(t, 2, attempts)
}
