package storage

import (
	"context"
	"sync"
	"time"

	"edge-admission/internal/domain"

	"github.com/zeebo/xxh3"
)

const reputationShardCount = 16

type reputationEntry struct {
	record    *domain.ReputationRecord
	expiresAt time.Time
}

type reputationShard struct {
	mu    sync.Mutex
	items map[string]reputationEntry
}

// MemoryReputationCache é um cache TTL em shards para registros de reputação.
// A expiração é verificada na leitura e também varrida periodicamente.
type MemoryReputationCache struct {
	shards []reputationShard
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryReputationCache cria o cache e inicia a varredura periódica
func NewMemoryReputationCache(sweepEvery time.Duration) *MemoryReputationCache {
	c := &MemoryReputationCache{
		shards: make([]reputationShard, reputationShardCount),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].items = make(map[string]reputationEntry)
	}
	if sweepEvery > 0 {
		go c.sweeper(sweepEvery)
	}
	return c
}

func (c *MemoryReputationCache) Get(ctx context.Context, ip string, now time.Time) (*domain.ReputationRecord, bool) {
	shard := c.shardFor(ip)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[ip]
	if !ok {
		return nil, false
	}
	if !now.Before(entry.expiresAt) {
		delete(shard.items, ip)
		return nil, false
	}
	return entry.record, true
}

func (c *MemoryReputationCache) Set(ctx context.Context, record *domain.ReputationRecord, expiresAt time.Time) {
	if record == nil {
		return
	}
	shard := c.shardFor(record.IP)
	shard.mu.Lock()
	shard.items[record.IP] = reputationEntry{record: record, expiresAt: expiresAt}
	shard.mu.Unlock()
}

func (c *MemoryReputationCache) Delete(ctx context.Context, ip string) {
	shard := c.shardFor(ip)
	shard.mu.Lock()
	delete(shard.items, ip)
	shard.mu.Unlock()
}

func (c *MemoryReputationCache) Len() int {
	total := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		total += len(shard.items)
		shard.mu.Unlock()
	}
	return total
}

// Close encerra a varredura
func (c *MemoryReputationCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryReputationCache) sweeper(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(c.now())
		}
	}
}

func (c *MemoryReputationCache) sweep(now time.Time) int {
	removed := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for ip, entry := range shard.items {
			if !now.Before(entry.expiresAt) {
				delete(shard.items, ip)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (c *MemoryReputationCache) shardFor(ip string) *reputationShard {
	return &c.shards[xxh3.HashString(ip)%uint64(len(c.shards))]
}
