package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 30 * time.Second, Factor: 2}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestDelayIsCapped(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 30 * time.Second, Factor: 2}

	assert.Equal(t, 30*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(50))
}

func TestDelayJitterStaysWithinSpread(t *testing.T) {
	p := DefaultRetryPolicy()

	for attempt := 0; attempt < 6; attempt++ {
		base := time.Duration(float64(p.Base) * pow(p.Factor, attempt))
		if base > p.Cap {
			base = p.Cap
		}
		lo := time.Duration(float64(base) * (1 - p.Jitter))
		hi := time.Duration(float64(base) * (1 + p.Jitter))
		if hi > p.Cap {
			hi = p.Cap
		}
		for i := 0; i < 100; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func pow(f float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= f
	}
	return out
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(9))
	assert.True(t, p.Exhausted(10))
	assert.True(t, p.Exhausted(11))

	unlimited := RetryPolicy{MaxAttempts: 0}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestEndpoint(t *testing.T) {
	got := Endpoint("ws://localhost:8080/api/v1/ws/signal", "sess-1", "alice")
	assert.Equal(t, "ws://localhost:8080/api/v1/ws/signal/sess-1?participant=alice", got)

	escaped := Endpoint("ws://localhost:8080/api/v1/ws/signal", "sess-1", "dr lee")
	assert.Equal(t, "ws://localhost:8080/api/v1/ws/signal/sess-1?participant=dr+lee", escaped)
}
