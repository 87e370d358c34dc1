package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func never(time.Time) bool  { return false }
func always(time.Time) bool { return true }

func TestBootstrapState_Empty(t *testing.T) {
	assert.Nil(t, newBootstrapState(""))
}

func TestBootstrapState_ConsumeOnce(t *testing.T) {
	b := newBootstrapState("startup prompt")

	assert.Equal(t, "startup prompt", b.consume(never))
	assert.Empty(t, b.consume(never))
}

func TestBootstrapState_ActivitySuppressesPrepend(t *testing.T) {
	b := newBootstrapState("startup prompt")

	// The agent already reacted to the prompt; nothing to prepend, but the
	// fallback is spent regardless.
	assert.Empty(t, b.consume(always))
	assert.Empty(t, b.consume(never))
}

func TestBootstrapState_RetryFiresWithoutActivity(t *testing.T) {
	b := newBootstrapState("startup prompt")
	defer b.stop()

	retried := make(chan string, 1)
	b.armRetry(never, func(text string) { retried <- text })

	// Force the timer callback instead of waiting out the real delay.
	b.mu.Lock()
	timer := b.timer
	b.mu.Unlock()
	timer.Reset(time.Millisecond)

	select {
	case text := <-retried:
		assert.Equal(t, "startup prompt", text)
	case <-time.After(time.Second):
		t.Fatal("retry never fired")
	}
}

func TestBootstrapState_ConsumeCancelsRetry(t *testing.T) {
	b := newBootstrapState("startup prompt")

	fired := make(chan struct{}, 1)
	b.armRetry(never, func(string) { fired <- struct{}{} })

	assert.Equal(t, "startup prompt", b.consume(never))

	select {
	case <-fired:
		t.Fatal("retry fired after consume")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBootstrapState_ArmRetryIdempotent(t *testing.T) {
	b := newBootstrapState("startup prompt")
	defer b.stop()

	b.armRetry(never, func(string) {})
	b.mu.Lock()
	first := b.timer
	b.mu.Unlock()

	b.armRetry(never, func(string) {})
	b.mu.Lock()
	second := b.timer
	b.mu.Unlock()

	assert.Same(t, first, second)
}
