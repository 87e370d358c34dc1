package session

import (
	"sync"
	"time"
)

// bootstrapRetryDelay is how long to wait for interpreter activity before
// re-sending the startup prompt once.
const bootstrapRetryDelay = 2600 * time.Millisecond

// bootstrapState tracks the startup-prompt fallback for one session. Large
// bootstrap prompts occasionally get swallowed while the TUI is still
// initializing; the fallback re-sends once and, failing that, prepends the
// text to the user's first interactive message.
type bootstrapState struct {
	mu       sync.Mutex
	text     string
	queuedAt time.Time
	consumed bool
	retried  bool
	timer    *time.Timer
}

func newBootstrapState(text string) *bootstrapState {
	if text == "" {
		return nil
	}
	return &bootstrapState{text: text, queuedAt: time.Now().UTC()}
}

// armRetry schedules the one-shot automatic retry. The check callback reports
// whether interpreter activity has been observed since queuing; retry sends
// the text again.
func (b *bootstrapState) armRetry(activitySince func(time.Time) bool, retry func(text string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(bootstrapRetryDelay, func() {
		b.mu.Lock()
		if b.consumed || b.retried {
			b.mu.Unlock()
			return
		}
		b.retried = true
		text := b.text
		queuedAt := b.queuedAt
		b.mu.Unlock()

		if !activitySince(queuedAt) {
			retry(text)
		}
	})
}

// consume returns the bootstrap text to prepend to the first user message
// when no interpreter activity post-dates the queue time; afterwards the
// fallback is spent either way.
func (b *bootstrapState) consume(activitySince func(time.Time) bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return ""
	}
	b.consumed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if activitySince(b.queuedAt) {
		return ""
	}
	return b.text
}

func (b *bootstrapState) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.consumed = true
	b.mu.Unlock()
}
