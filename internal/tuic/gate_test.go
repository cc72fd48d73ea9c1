package tuic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateSignalOnceWins(t *testing.T) {
	g := NewGate()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := g.WaitTimeout(time.Second)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}

	g.Signal(true)
	g.Signal(false) // second call is a no-op; first result wins
	wg.Wait()

	for _, r := range results {
		assert.True(t, r)
	}
}

func TestGateWaitTimesOutWithoutSignal(t *testing.T) {
	g := NewGate()
	_, err := g.WaitTimeout(50 * time.Millisecond)
	assert.Error(t, err)
}

func TestGateWaitRespectsContextCancellation(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Wait(ctx)
	assert.Error(t, err)
}
