package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 100

// Key is the hex SHA-256 digest identifying one logical request.
type Key string

type KeyInput struct {
	Question      string
	SchemaID      string
	UseRAG        bool
	TopK          int
	AutoCorrect   bool
	AllowMutating bool
	Refine        bool
	Explain       bool
}

// NormalizeQuestion lower-cases the question and collapses runs of whitespace.
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// NewKey derives the cache key for a request. TopK only participates when
// retrieval is enabled.
func NewKey(in KeyInput) Key {
	k := in.TopK
	if !in.UseRAG || k < 0 {
		k = 0
	}
	parts := []string{
		NormalizeQuestion(in.Question),
		strings.TrimSpace(in.SchemaID),
		strconv.FormatBool(in.UseRAG),
		strconv.Itoa(k),
		strconv.FormatBool(in.AutoCorrect),
		strconv.FormatBool(in.AllowMutating),
		strconv.FormatBool(in.Refine),
		strconv.FormatBool(in.Explain),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return Key(hex.EncodeToString(sum[:]))
}

type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Cache is a fixed-capacity, strictly least-recently-used result cache. Gets
// and Puts both promote the entry. It is safe for concurrent use.
type Cache[V any] struct {
	capacity int
	entries  *lru.Cache[Key, V]
	counters *counters
}

func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[Key, V](capacity)
	if err != nil {
		// only reachable with a non-positive size, which is ruled out above
		panic(err)
	}
	return &Cache[V]{capacity: capacity, entries: entries, counters: &counters{}}
}

func (c *Cache[V]) Get(key Key) (V, bool) {
	value, ok := c.entries.Get(key)
	if ok {
		c.counters.hit()
	} else {
		c.counters.miss()
	}
	return value, ok
}

// Peek returns the entry without promoting it or touching the hit and miss
// counters.
func (c *Cache[V]) Peek(key Key) (V, bool) {
	return c.entries.Peek(key)
}

// Put stores value under key. Only capacity evictions are counted; Purge is
// not an eviction.
func (c *Cache[V]) Put(key Key, value V) {
	if c.entries.Add(key, value) {
		c.counters.evicted()
	}
}

func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

func (c *Cache[V]) Capacity() int {
	return c.capacity
}

func (c *Cache[V]) Purge() {
	c.entries.Purge()
}

func (c *Cache[V]) Stats() Stats {
	hits, misses, evictions := c.counters.snapshot()
	return Stats{
		Entries:   c.entries.Len(),
		Capacity:  c.capacity,
		Hits:      hits,
		Misses:    misses,
		Evictions: evictions,
	}
}
