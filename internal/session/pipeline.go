package session

import (
	"sync"
	"time"

	"github.com/fyp/fyp/internal/interpret"
)

const (
	// Tail window handed to the interpreter per chunk.
	tailLimit = 9 * 1024
	// Preview updates are throttled to downstream broadcasters.
	previewThrottle = 900 * time.Millisecond
)

// pipelineSinks are the downstream consumers of one session's output.
// All callbacks are invoked from the pipeline goroutine, in arrival order.
type pipelineSinks struct {
	appendOutput func(chunk []byte)
	emitOutput   func(msg OutputMessage)
	emitPreview  func(line string, ts time.Time)
	emitAssist   func(assist *interpret.Assist)
	onCandidate  func(cand interpret.AttentionCandidate)
	onDirective  func(d interpret.Directive)
}

// pipeline is the per-session output path: transcript batching, preview
// throttling, interpreter runs over the recent tail, and subscriber fan-out.
type pipeline struct {
	sessionID      string
	sinks          pipelineSinks
	scanDirectives bool
	screen         *screenTracker // nil for rpc sessions

	mu             sync.Mutex
	tail           []byte
	preview        string
	previewTS      time.Time
	lastBroadcast  time.Time
	previewTimer   *time.Timer
	lastAssistSig  string
	scanner        *interpret.DirectiveScanner
	lastActivityTS time.Time
}

func newPipeline(sessionID string, sinks pipelineSinks, scanDirectives bool, screen *screenTracker) *pipeline {
	return &pipeline{
		sessionID:      sessionID,
		sinks:          sinks,
		scanDirectives: scanDirectives,
		screen:         screen,
		scanner:        interpret.NewDirectiveScanner(),
	}
}

// Ingest processes one subprocess chunk through the full path.
func (p *pipeline) Ingest(chunk []byte) {
	now := time.Now().UTC()

	if p.sinks.appendOutput != nil {
		p.sinks.appendOutput(chunk)
	}
	if p.screen != nil {
		p.screen.Write(chunk)
	}

	p.mu.Lock()
	p.lastActivityTS = now
	p.appendTailLocked(chunk)
	tail := make([]byte, len(p.tail))
	copy(tail, p.tail)
	p.mu.Unlock()

	p.updatePreview(tail, now)
	p.interpret(tail, chunk)

	if p.sinks.emitOutput != nil {
		p.sinks.emitOutput(OutputMessage{Type: "output", Chunk: chunk, TS: now})
	}
}

func (p *pipeline) appendTailLocked(chunk []byte) {
	p.tail = append(p.tail, chunk...)
	if len(p.tail) > tailLimit {
		p.tail = p.tail[len(p.tail)-tailLimit:]
	}
}

// updatePreview extracts the last de-noised line and emits it at most every
// 900 ms, with a trailing timer so the final state always goes out.
func (p *pipeline) updatePreview(tail []byte, now time.Time) {
	line, ok := interpret.LastLine(tail)
	if !ok {
		return
	}

	p.mu.Lock()
	if line == p.preview {
		p.mu.Unlock()
		return
	}
	p.preview = line
	p.previewTS = now

	if now.Sub(p.lastBroadcast) >= previewThrottle {
		p.lastBroadcast = now
		p.mu.Unlock()
		if p.sinks.emitPreview != nil {
			p.sinks.emitPreview(line, now)
		}
		return
	}

	if p.previewTimer == nil {
		delay := previewThrottle - now.Sub(p.lastBroadcast)
		p.previewTimer = time.AfterFunc(delay, p.flushPreview)
	}
	p.mu.Unlock()
}

func (p *pipeline) flushPreview() {
	p.mu.Lock()
	p.previewTimer = nil
	line := p.preview
	ts := p.previewTS
	p.lastBroadcast = time.Now().UTC()
	p.mu.Unlock()
	if line != "" && p.sinks.emitPreview != nil {
		p.sinks.emitPreview(line, ts)
	}
}

func (p *pipeline) interpret(tail, chunk []byte) {
	if cand := interpret.DetectApproval(p.sessionID, tail); cand != nil {
		if p.sinks.onCandidate != nil {
			p.sinks.onCandidate(*cand)
		}
	}

	// Menu extraction prefers the rendered screen over the byte tail; TUIs
	// redraw in place and the tail is full of half-drawn frames.
	window := tail
	if p.screen != nil {
		if visible := p.screen.Visible(); len(visible) > 0 {
			window = visible
		}
	}
	if assist := interpret.ExtractAssist(window); assist != nil {
		p.mu.Lock()
		changed := assist.Signature != p.lastAssistSig
		if changed {
			p.lastAssistSig = assist.Signature
		}
		p.mu.Unlock()
		if changed && p.sinks.emitAssist != nil {
			p.sinks.emitAssist(assist)
		}
	}

	if p.scanDirectives {
		p.mu.Lock()
		directives := p.scanner.Feed(chunk)
		p.mu.Unlock()
		for _, d := range directives {
			if p.sinks.onDirective != nil {
				p.sinks.onDirective(d)
			}
		}
	}
}

// Preview returns the current preview line and its timestamp.
func (p *pipeline) Preview() (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preview, p.previewTS
}

// Tail returns a copy of the recent output window.
func (p *pipeline) Tail() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	tail := make([]byte, len(p.tail))
	copy(tail, p.tail)
	return tail
}

// LastActivity reports when output last arrived.
func (p *pipeline) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivityTS
}

// HasCompletionCue checks the tail for handoff markers.
func (p *pipeline) HasCompletionCue() bool {
	return interpret.HasCompletionCue(p.Tail())
}

// HasQuestionCue checks the tail for a structured question packet.
func (p *pipeline) HasQuestionCue() bool {
	return interpret.HasQuestionCue(p.Tail())
}

// Close stops the trailing preview timer.
func (p *pipeline) Close() {
	p.mu.Lock()
	if p.previewTimer != nil {
		p.previewTimer.Stop()
		p.previewTimer = nil
	}
	p.mu.Unlock()
}
