// Package cache provides the bounded in-memory article cache that sits
// between the NNTP connections and the assembler. Articles arrive out of
// order across connections; the assembler writes files in offset order.
// The cache absorbs the reordering up to a byte budget and then blocks
// producers until the assembler drains.
package cache

import (
	"log"
	"sync"
)

// FileKey identifies one NzbFile inside one job.
type FileKey struct {
	JobID     string
	FileIndex int
}

// CachedArticle is one decoded article body waiting for assembly.
// Buffers move: once taken for assembly the cache drops its reference.
type CachedArticle struct {
	Key     FileKey
	Ordinal int   // segment number within the file, 1-based
	Offset  int64 // byte offset within the file
	Data    []byte
}

// ArticleCache is a bounded mapping article identity -> decoded bytes.
type ArticleCache struct {
	mux   sync.Mutex
	cond  *sync.Cond
	limit int64
	size  int64

	files map[FileKey]map[int]*CachedArticle

	// Ready wakes the assembler whenever a file may have in-order work.
	Ready chan FileKey

	closed bool
}

// NewArticleCache creates a cache with the given byte limit.
func NewArticleCache(limit int64) *ArticleCache {
	if limit <= 0 {
		limit = 64 * 1024 * 1024
	}
	c := &ArticleCache{
		limit: limit,
		files: make(map[FileKey]map[int]*CachedArticle),
		Ready: make(chan FileKey, 4096),
	}
	c.cond = sync.NewCond(&c.mux)
	return c
}

// Put inserts a decoded article. When the insert would exceed the byte
// limit, Put blocks until the assembler has drained enough. A single
// oversized article is admitted alone rather than deadlocking.
func (c *ArticleCache) Put(art *CachedArticle) {
	n := int64(len(art.Data))
	c.mux.Lock()
	for !c.closed && c.size > 0 && c.size+n > c.limit {
		c.cond.Wait()
	}
	if c.closed {
		c.mux.Unlock()
		return
	}
	perFile := c.files[art.Key]
	if perFile == nil {
		perFile = make(map[int]*CachedArticle)
		c.files[art.Key] = perFile
	}
	if _, dup := perFile[art.Ordinal]; dup {
		// fetched twice across a failover race; keep the first copy
		c.mux.Unlock()
		log.Printf("[CACHE] Duplicate article %s/%d ordinal %d dropped", art.Key.JobID, art.Key.FileIndex, art.Ordinal)
		return
	}
	perFile[art.Ordinal] = art
	c.size += n
	c.mux.Unlock()

	select {
	case c.Ready <- art.Key:
	default:
		// assembler is behind; it sweeps all files on its next pass
	}
}

// Nudge re-signals a file so the assembler re-evaluates its write cursor
// even though no new segment arrived (a trailing segment failed, or a
// held segment is ready for retry).
func (c *ArticleCache) Nudge(key FileKey) {
	c.mux.Lock()
	closed := c.closed
	c.mux.Unlock()
	if closed {
		return
	}
	select {
	case c.Ready <- key:
	default:
	}
}

// TakeForAssembly returns the article with the given ordinal for the file,
// or nil when it has not arrived yet. The buffer moves to the caller.
func (c *ArticleCache) TakeForAssembly(key FileKey, ordinal int) *CachedArticle {
	c.mux.Lock()
	defer c.mux.Unlock()
	perFile := c.files[key]
	if perFile == nil {
		return nil
	}
	art, ok := perFile[ordinal]
	if !ok {
		return nil
	}
	delete(perFile, ordinal)
	if len(perFile) == 0 {
		delete(c.files, key)
	}
	c.size -= int64(len(art.Data))
	c.cond.Broadcast()
	return art
}

// Drop purges every cached article belonging to a job.
func (c *ArticleCache) Drop(jobID string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for key, perFile := range c.files {
		if key.JobID != jobID {
			continue
		}
		for _, art := range perFile {
			c.size -= int64(len(art.Data))
		}
		delete(c.files, key)
	}
	c.cond.Broadcast()
}

// Size returns the tracked byte count.
func (c *ArticleCache) Size() int64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.size
}

// PendingFiles returns the keys currently holding cached articles.
func (c *ArticleCache) PendingFiles() []FileKey {
	c.mux.Lock()
	defer c.mux.Unlock()
	keys := make([]FileKey, 0, len(c.files))
	for key := range c.files {
		keys = append(keys, key)
	}
	return keys
}

// Close unblocks all producers; subsequent puts are discarded.
func (c *ArticleCache) Close() {
	c.mux.Lock()
	c.closed = true
	c.files = make(map[FileKey]map[int]*CachedArticle)
	c.size = 0
	c.mux.Unlock()
	c.cond.Broadcast()
	close(c.Ready)
}
