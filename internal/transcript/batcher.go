package transcript

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/logger"
)

// Flush triggers for the per-session output buffer.
const (
	flushMaxBytes  = 96 * 1024
	flushMaxChunks = 120
	flushInterval  = 90 * time.Millisecond
)

type pendingChunk struct {
	seq  int64
	ts   time.Time
	data []byte
}

type sessionBuffer struct {
	chunks []pendingChunk
	bytes  int
	timer  *time.Timer
}

// batcher coalesces output chunks per session. Writes are best-effort: a
// failed batch is dropped after logging and counted as a failure.
type batcher struct {
	store  *Store
	logger *logger.Logger

	mu      sync.Mutex
	buffers map[string]*sessionBuffer
	closed  bool

	failures atomic.Int64
}

func newBatcher(store *Store, log *logger.Logger) *batcher {
	return &batcher{
		store:   store,
		logger:  log,
		buffers: make(map[string]*sessionBuffer),
	}
}

func (b *batcher) append(sessionID string, chunk []byte) {
	// Copy: callers reuse their read buffers.
	data := make([]byte, len(chunk))
	copy(data, chunk)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	buf, ok := b.buffers[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		b.buffers[sessionID] = buf
	}
	buf.chunks = append(buf.chunks, pendingChunk{ts: time.Now().UTC(), data: data})
	buf.bytes += len(data)

	if buf.bytes > flushMaxBytes || len(buf.chunks) > flushMaxChunks {
		chunks := b.takeLocked(sessionID, buf)
		b.mu.Unlock()
		b.write(sessionID, chunks)
		return
	}

	if buf.timer == nil {
		// First buffered chunk arms the coalescing timer.
		buf.timer = time.AfterFunc(flushInterval, func() {
			b.flush(sessionID)
		})
	}
	b.mu.Unlock()
}

// takeLocked detaches the buffered chunks, stamps their ids, and disarms the
// timer. Ids are assigned here, under mu, so a timer flush that loses the
// race to a size flush still lands its chunks in arrival order. Caller holds mu.
func (b *batcher) takeLocked(sessionID string, buf *sessionBuffer) []pendingChunk {
	chunks := buf.chunks
	buf.chunks = nil
	buf.bytes = 0
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	if len(chunks) == 0 {
		delete(b.buffers, sessionID)
		return nil
	}
	first, err := b.store.reserveChunkSeqs(sessionID, len(chunks))
	if err != nil {
		b.failures.Add(1)
		b.logger.Error("failed to reserve chunk ids",
			zap.String("session_id", sessionID),
			zap.Int("chunks", len(chunks)),
			zap.Error(err))
		return nil
	}
	for i := range chunks {
		chunks[i].seq = first + int64(i)
	}
	return chunks
}

func (b *batcher) flush(sessionID string) {
	b.mu.Lock()
	buf, ok := b.buffers[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	chunks := b.takeLocked(sessionID, buf)
	delete(b.buffers, sessionID)
	b.mu.Unlock()

	b.write(sessionID, chunks)
}

func (b *batcher) flushAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.buffers))
	for id := range b.buffers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.flush(id)
	}
}

// drop discards any buffered output for a session without writing it.
func (b *batcher) drop(sessionID string) {
	b.mu.Lock()
	if buf, ok := b.buffers[sessionID]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(b.buffers, sessionID)
	}
	b.mu.Unlock()
}

func (b *batcher) write(sessionID string, chunks []pendingChunk) {
	if len(chunks) == 0 {
		return
	}
	if err := b.store.writeChunks(sessionID, chunks); err != nil {
		b.failures.Add(1)
		b.logger.Error("failed to persist output batch",
			zap.String("session_id", sessionID),
			zap.Int("chunks", len(chunks)),
			zap.Error(err))
	}
}

func (b *batcher) close() {
	b.flushAll()
	b.mu.Lock()
	b.closed = true
	for _, buf := range b.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	b.buffers = make(map[string]*sessionBuffer)
	b.mu.Unlock()
}
