package speech

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"voxhall/internal/domain"
)

// CachedTTS wraps a TTSProvider with an LRU of synthesized audio, keyed by a
// hash of the text and voice settings. Agents greet and acknowledge with the
// same short phrases constantly; re-synthesizing them wastes vendor quota.
type CachedTTS struct {
	inner      domain.TTSProvider
	maxEntries int
	maxBytes   int

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[string]*list.Element
	bytes   int
	hits    int64
	misses  int64
}

type cacheEntry struct {
	key   string
	audio *domain.Audio
}

// NewCachedTTS wraps inner with an LRU cache. Non-positive limits fall back
// to 128 entries / 8 MiB.
func NewCachedTTS(inner domain.TTSProvider, maxEntries, maxBytes int) *CachedTTS {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &CachedTTS{
		inner:      inner,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Synthesize implements domain.TTSProvider.
func (c *CachedTTS) Synthesize(ctx context.Context, req *domain.SpeechRequest) (*domain.Audio, error) {
	key := cacheKey(req)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		audio := el.Value.(*cacheEntry).audio
		c.mu.Unlock()
		return audio, nil
	}
	c.misses++
	c.mu.Unlock()

	audio, err := c.inner.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		el := c.order.PushFront(&cacheEntry{key: key, audio: audio})
		c.entries[key] = el
		c.bytes += len(audio.Data)
		c.evict()
	}
	return audio, nil
}

// evict drops least-recently-used entries until both limits hold.
func (c *CachedTTS) evict() {
	for c.order.Len() > c.maxEntries || c.bytes > c.maxBytes {
		el := c.order.Back()
		if el == nil {
			return
		}
		entry := el.Value.(*cacheEntry)
		c.order.Remove(el)
		delete(c.entries, entry.key)
		c.bytes -= len(entry.audio.Data)
	}
}

// Stats returns hit/miss counters and the current cache size.
func (c *CachedTTS) Stats() (hits, misses int64, entries, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len(), c.bytes
}

// Name implements domain.TTSProvider.
func (c *CachedTTS) Name() string { return c.inner.Name() }

// Available implements domain.TTSProvider.
func (c *CachedTTS) Available() bool { return c.inner.Available() }

var _ domain.TTSProvider = (*CachedTTS)(nil)

func cacheKey(req *domain.SpeechRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.2f|%.2f",
		req.Text, req.Voice.Provider, req.Voice.Voice, req.Voice.Rate, req.Voice.Pitch)
	return hex.EncodeToString(h.Sum(nil))
}
