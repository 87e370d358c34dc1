package command

import (
	"container/list"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Replay cache sizing: the in-memory tier holds up to lruCapacity entries and
// trims down to lruLowWater when it overflows. The durable tier expires after
// replayTTL and is pruned eagerly on every write.
const (
	lruCapacity = 300
	lruLowWater = 220
	replayTTL   = 24 * time.Hour
)

// cacheKey joins the replay identity. Missing idempotency keys never cache.
func cacheKey(orchID, commandID, idempotencyKey string) string {
	return fmt.Sprintf("%s|%s|%s", orchID, commandID, idempotencyKey)
}

type replayEntry struct {
	key    string
	result []byte
	at     time.Time
}

// replayCache is the two-tier idempotency store: LRU in front, sqlite behind.
type replayCache struct {
	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List // front = most recent
	db    *sqlx.DB
}

func newReplayCache(db *sqlx.DB) (*replayCache, error) {
	c := &replayCache{
		index: make(map[string]*list.Element),
		order: list.New(),
		db:    db,
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS command_replays (
		cache_key TEXT PRIMARY KEY,
		result TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("failed to initialize command replay schema: %w", err)
	}
	return c, nil
}

// Get returns a cached result within TTL, consulting memory then sqlite.
func (c *replayCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		entry := el.Value.(*replayEntry)
		if time.Since(entry.at) < replayTTL {
			c.order.MoveToFront(el)
			result := entry.result
			c.mu.Unlock()
			return result, true, nil
		}
		c.order.Remove(el)
		delete(c.index, key)
	}
	c.mu.Unlock()

	var row struct {
		Result    []byte    `db:"result"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := c.db.GetContext(ctx, &row,
		`SELECT result, created_at FROM command_replays WHERE cache_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Since(row.CreatedAt) >= replayTTL {
		return nil, false, nil
	}
	c.remember(key, row.Result, row.CreatedAt)
	return row.Result, true, nil
}

// Put stores a result in both tiers and prunes expired durable rows.
func (c *replayCache) Put(ctx context.Context, key string, result []byte) error {
	now := time.Now().UTC()
	c.remember(key, result, now)

	if _, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO command_replays (cache_key, result, created_at) VALUES (?, ?, ?)`,
		key, string(result), now); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM command_replays WHERE created_at < ?`, now.Add(-replayTTL))
	return err
}

func (c *replayCache) remember(key string, result []byte, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*replayEntry).result = result
		el.Value.(*replayEntry).at = at
		c.order.MoveToFront(el)
		return
	}
	c.index[key] = c.order.PushFront(&replayEntry{key: key, result: result, at: at})
	if c.order.Len() > lruCapacity {
		for c.order.Len() > lruLowWater {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*replayEntry).key)
		}
	}
}

func (c *replayCache) memoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
