package panel

import (
	"log"
	"sync"
	"time"
)

// DefaultCacheTTL время жизни кэша списка inbound
const DefaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	inbounds  []Inbound
	fetchedAt time.Time
}

// InboundCache кэш списков inbound по бордам и агрегированный список всего флота.
// Запись считается свежей, пока с момента загрузки прошло меньше ttl.
type InboundCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	boards map[string]cacheEntry

	aggregated   []TaggedInbound
	aggregatedAt time.Time
	hasAggregate bool
}

// NewInboundCache создает кэш с заданным ttl
func NewInboundCache(ttl time.Duration) *InboundCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &InboundCache{
		ttl:    ttl,
		now:    time.Now,
		boards: make(map[string]cacheEntry),
	}
}

// SetClock подменяет источник времени (для тестов)
func (c *InboundCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL возвращает время жизни записей
func (c *InboundCache) TTL() time.Duration {
	return c.ttl
}

// Get возвращает список inbound борда и признак попадания в кэш
func (c *InboundCache) Get(board string) ([]Inbound, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.boards[board]
	if !ok || !c.fresh(entry.fetchedAt) {
		return nil, false
	}
	return entry.inbounds, true
}

// Set сохраняет список inbound борда с текущим временем загрузки
func (c *InboundCache) Set(board string, inbounds []Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards[board] = cacheEntry{inbounds: inbounds, fetchedAt: c.now()}
}

// Invalidate сбрасывает кэш борда после изменения клиентов.
// Агрегированный список тоже сбрасывается: он содержит данные этого борда.
func (c *InboundCache) Invalidate(board string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.boards, board)
	c.aggregated = nil
	c.hasAggregate = false
	log.Printf("CACHE: Кэш inbound борда %s очищен", board)
}

// Clear полностью очищает кэш
func (c *InboundCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards = make(map[string]cacheEntry)
	c.aggregated = nil
	c.hasAggregate = false
}

// SetAggregated сохраняет объединенный список inbound всех бордов
func (c *InboundCache) SetAggregated(inbounds []TaggedInbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregated = inbounds
	c.aggregatedAt = c.now()
	c.hasAggregate = true
}

// GetAggregated возвращает объединенный список, если он свежий
func (c *InboundCache) GetAggregated() ([]TaggedInbound, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasAggregate || !c.fresh(c.aggregatedAt) {
		return nil, false
	}
	return c.aggregated, true
}

func (c *InboundCache) fresh(fetchedAt time.Time) bool {
	return c.now().Sub(fetchedAt) < c.ttl
}
