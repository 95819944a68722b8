package window

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Options describes the windowed aggregate a rule keeps per key.
type Options struct {
	Window   time.Duration
	Distinct bool
	// Threshold and Cooldown drive the atomic fire decision in Observe.
	Threshold int
	Cooldown  time.Duration
}

// Result is the outcome of a single observation.
type Result struct {
	// Size is the aggregate size within the window after the observation.
	Size int
	// Fired is set when the threshold was crossed and the cooldown had
	// expired. The cooldown clock restarts as part of the same atomic
	// step, so at most one observation fires per cooldown per key.
	Fired bool
	// EventIDs is a bounded sample of recent contributing event IDs,
	// populated only when Fired is set.
	EventIDs []string
}

// sampleSize bounds the per-entry sample of contributing event IDs.
const sampleSize = 8

// StoreConfig bounds the store's memory under high key cardinality.
type StoreConfig struct {
	// MaxEntries caps the number of live (rule, key) entries. When the
	// cap is hit, the least-recently-active entry in the affected shard
	// is evicted in preference to failing ingestion.
	MaxEntries int
}

// DefaultStoreConfig returns the default store bounds.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{MaxEntries: 100000}
}

type entryKey struct {
	ruleID string
	key    string
}

type entry struct {
	agg         Aggregate
	window      time.Duration
	cooldown    time.Duration
	lastAlertAt time.Time
	lastActive  time.Time
	// recent is a ring of the newest contributing event IDs, kept as a
	// bounded sample for alert provenance.
	recent []string
}

func (e *entry) remember(eventID string) {
	if eventID == "" {
		return
	}
	if len(e.recent) == sampleSize {
		copy(e.recent, e.recent[1:])
		e.recent[sampleSize-1] = eventID
		return
	}
	e.recent = append(e.recent, eventID)
}

type shard struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
}

// Store holds sliding-window state per (rule, key) pair. Keys are spread
// over shards so concurrent observations for different keys do not
// serialize on a global lock; same-key observations are serialized by the
// owning shard.
type Store struct {
	shards     [shardCount]*shard
	maxEntries int
	count      int64
	countMu    sync.Mutex
}

// NewStore creates a Store with the given bounds.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultStoreConfig().MaxEntries
	}
	s := &Store{maxEntries: cfg.MaxEntries}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[entryKey]*entry)}
	}
	return s
}

func (s *Store) shardFor(k entryKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.ruleID))
	h.Write([]byte{0})
	h.Write([]byte(k.key))
	return s.shards[h.Sum32()%shardCount]
}

// Observe records one observation for (ruleID, key) and atomically decides
// whether the rule fires for that key: the threshold check and the cooldown
// restart happen under the same lock, never as a read-then-write race.
//
// Eviction uses the event's own timestamp relative to now-window: a late
// event still inside the window counts, one older than the window is
// dropped silently.
func (s *Store) Observe(ruleID, key, value, eventID string, ts, now time.Time, opts Options) Result {
	k := entryKey{ruleID: ruleID, key: key}
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[k]
	if !ok {
		ent = &entry{
			window:   opts.Window,
			cooldown: opts.Cooldown,
		}
		if opts.Distinct {
			ent.agg = NewDistinct()
		} else {
			ent.agg = NewCount()
		}
		s.admit(sh)
		sh.entries[k] = ent
	}

	ent.lastActive = now
	cutoff := now.Add(-opts.Window)
	size := ent.agg.Observe(value, ts, cutoff)
	if !ts.Before(cutoff) {
		ent.remember(eventID)
	}

	result := Result{Size: size}
	if opts.Threshold > 0 && size >= opts.Threshold {
		if ent.lastAlertAt.IsZero() || now.Sub(ent.lastAlertAt) >= opts.Cooldown {
			ent.lastAlertAt = now
			result.Fired = true
			result.EventIDs = append([]string(nil), ent.recent...)
		}
	}
	return result
}

// admit makes room for one new entry, evicting the least-recently-active
// entry in the shard when the store is at capacity. Caller holds sh.mu.
func (s *Store) admit(sh *shard) {
	s.countMu.Lock()
	if s.count < int64(s.maxEntries) {
		s.count++
		s.countMu.Unlock()
		return
	}
	s.countMu.Unlock()

	var oldestKey entryKey
	var oldest time.Time
	found := false
	for k, ent := range sh.entries {
		if !found || ent.lastActive.Before(oldest) {
			oldestKey, oldest, found = k, ent.lastActive, true
		}
	}
	if found {
		delete(sh.entries, oldestKey)
	} else {
		// Shard is empty; the cap pressure is elsewhere. Admit anyway
		// rather than fail ingestion.
		s.countMu.Lock()
		s.count++
		s.countMu.Unlock()
	}
}

// Count returns the aggregate size for (ruleID, key) within the window
// ending at asOf. Missing state counts as zero.
func (s *Store) Count(ruleID, key string, asOf time.Time) int {
	k := entryKey{ruleID: ruleID, key: key}
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.entries[k]
	if !ok {
		return 0
	}
	return ent.agg.Prune(asOf.Add(-ent.window))
}

// LastAlertAt returns the most recent fire time for (ruleID, key), or a
// zero time when the pair has never fired or has been evicted.
func (s *Store) LastAlertAt(ruleID, key string) time.Time {
	k := entryKey{ruleID: ruleID, key: key}
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if ent, ok := sh.entries[k]; ok {
		return ent.lastAlertAt
	}
	return time.Time{}
}

// EvictStale garbage-collects entries whose window is empty and whose last
// fire is older than their cooldown. Evicted pairs are recreated from
// scratch on the next matching event.
func (s *Store) EvictStale(now time.Time) int {
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, ent := range sh.entries {
			if ent.agg.Prune(now.Add(-ent.window)) > 0 {
				continue
			}
			if !ent.lastAlertAt.IsZero() && now.Sub(ent.lastAlertAt) < ent.cooldown {
				continue
			}
			delete(sh.entries, k)
			evicted++
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		s.countMu.Lock()
		s.count -= int64(evicted)
		if s.count < 0 {
			s.count = 0
		}
		s.countMu.Unlock()
	}
	return evicted
}

// Len returns the number of live (rule, key) entries.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
