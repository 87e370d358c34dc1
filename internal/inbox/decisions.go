package inbox

import (
	"context"
	"sync"
	"time"
)

const (
	decisionRetention = 20 * time.Second
	decisionGCPeriod  = 5 * time.Second
)

type decisionEntry struct {
	decision    map[string]any
	deliveredAt time.Time
}

// Decisions is the mailbox polled by the external hook bridge. A decision is
// posted under (sessionId, signature) when a permission option is chosen;
// delivered entries are garbage collected after a short retention so the
// bridge can retry within the window.
type Decisions struct {
	mu      sync.Mutex
	entries map[string]*decisionEntry

	done chan struct{}
	once sync.Once
}

func NewDecisions() *Decisions {
	d := &Decisions{
		entries: make(map[string]*decisionEntry),
		done:    make(chan struct{}),
	}
	go d.gcLoop()
	return d
}

func decisionKey(sessionID, signature string) string {
	return sessionID + "|" + signature
}

// Post stores a decision for the hook bridge to pick up, replacing any
// previous decision for the same signature.
func (d *Decisions) Post(sessionID, signature string, decision map[string]any) {
	d.mu.Lock()
	d.entries[decisionKey(sessionID, signature)] = &decisionEntry{decision: decision}
	d.mu.Unlock()
}

// Poll returns the pending decision, or nil. The first delivery starts the
// retention clock; repeated polls within the window return the same decision.
func (d *Decisions) Poll(ctx context.Context, sessionID, signature string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[decisionKey(sessionID, signature)]
	if !ok {
		return nil
	}
	if entry.deliveredAt.IsZero() {
		entry.deliveredAt = time.Now()
	}
	return entry.decision
}

func (d *Decisions) gcLoop() {
	ticker := time.NewTicker(decisionGCPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.gc(time.Now())
		case <-d.done:
			return
		}
	}
}

func (d *Decisions) gc(now time.Time) {
	d.mu.Lock()
	for key, entry := range d.entries {
		if !entry.deliveredAt.IsZero() && now.Sub(entry.deliveredAt) > decisionRetention {
			delete(d.entries, key)
		}
	}
	d.mu.Unlock()
}

func (d *Decisions) Close() {
	d.once.Do(func() { close(d.done) })
}
