package engine

import (
	"container/list"
	"fmt"

	"SynthPool/internal/observability"
)

// IdempotencyChecker implements two-tier command deduplication: an
// in-memory LRU for the hot path, Postgres for the cold path.
type IdempotencyChecker struct {
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
	prom    *observability.Metrics

	evictionsExported int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, prom *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
		prom:      prom,
	}
}

// IsDuplicate checks if a command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(compositeKey) {
		ic.metrics.RecordDuplicate(commandType, "lru")
		if ic.prom != nil {
			ic.prom.IdempotencyDuplicates.WithLabelValues(commandType, "lru").Inc()
		}
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			// Conservative: assume not duplicate so a DB issue cannot
			// block command processing. The op log's unique key catches
			// the rare false negative at persist time.
			ic.metrics.RecordTier2Error()
			return false
		}

		if isDup {
			ic.metrics.RecordDuplicate(commandType, "postgres")
			if ic.prom != nil {
				ic.prom.IdempotencyDuplicates.WithLabelValues(commandType, "postgres").Inc()
			}
			// Add to LRU so we don't hit DB again
			ic.lru.Add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)
	ic.lru.Add(compositeKey)

	if ic.prom != nil {
		ic.prom.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evictions := ic.lru.Evictions(); evictions > ic.evictionsExported {
			ic.prom.DedupLRUEvictions.Add(float64(evictions - ic.evictionsExported))
			ic.evictionsExported = evictions
		}
	}
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe — only accessed from the single-threaded engine.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64 // For metrics
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU. On restart,
// recent idempotency keys are loaded from Postgres so recently processed
// commands do not hit the cold path.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		entry := &lruEntry{key: key}
		elem := lru.lruList.PushFront(entry)
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// GetAllKeys returns every cached composite key, most recent first.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe — only accessed from the single-threaded engine.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // command_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesPostgres[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(commandType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[commandType], m.duplicatesPostgres[commandType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
