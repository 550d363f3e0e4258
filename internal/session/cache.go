package session

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/jeementor/internal/model"
)

// Cache はセッショントークンをキーにしたセッションのキャッシュ。
type Cache interface {
	// Get はキャッシュされたセッションを返す。存在しない場合はnil, false。
	Get(ctx context.Context, token string) (*model.Session, bool, error)
	// Set はttlの間セッションを保持する。
	Set(ctx context.Context, s *model.Session, ttl time.Duration) error
	// Delete はセッションを破棄する。
	Delete(ctx context.Context, token string) error
}

type memoryEntry struct {
	session  model.Session
	deadline time.Time
}

// MemoryCache はプロセス内のCache実装。読み取りが多く書き込みが少ない前提でRWMutexを使う。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache はMemoryCacheを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get はキャッシュされたセッションのコピーを返す。
func (c *MemoryCache) Get(_ context.Context, token string) (*model.Session, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[token]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.deadline) {
		c.mu.Lock()
		if cur, ok := c.entries[token]; ok && cur.deadline.Equal(e.deadline) {
			delete(c.entries, token)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	s := e.session
	return &s, true, nil
}

// Set はttlの間セッションのコピーを保持する。
func (c *MemoryCache) Set(_ context.Context, s *model.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[s.Token] = memoryEntry{session: *s, deadline: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete はセッションを破棄する。
func (c *MemoryCache) Delete(_ context.Context, token string) error {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
	return nil
}

// Clear はすべてのエントリを破棄する。
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
}

// Len は保持しているエントリ数を返す。
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// compile-time interface check
var _ Cache = (*MemoryCache)(nil)
