package cache

import (
	"bytes"
	"testing"
	"time"
)

func art(jobID string, fileIdx, ordinal int, size int) *CachedArticle {
	return &CachedArticle{
		Key:     FileKey{JobID: jobID, FileIndex: fileIdx},
		Ordinal: ordinal,
		Offset:  int64((ordinal - 1) * size),
		Data:    bytes.Repeat([]byte{0xAA}, size),
	}
}

func TestPutTakeMovesBuffer(t *testing.T) {
	c := NewArticleCache(1024)
	a := art("job1", 0, 1, 100)
	c.Put(a)
	if c.Size() != 100 {
		t.Errorf("size = %d, want 100", c.Size())
	}

	got := c.TakeForAssembly(a.Key, 1)
	if got == nil {
		t.Fatal("article not found after put")
	}
	if c.Size() != 0 {
		t.Errorf("size after take = %d, want 0", c.Size())
	}
	// taking again must miss: the buffer moved out
	if c.TakeForAssembly(a.Key, 1) != nil {
		t.Error("article still cached after take")
	}
}

func TestTakeMissesUnarrivedOrdinal(t *testing.T) {
	c := NewArticleCache(1024)
	c.Put(art("job1", 0, 3, 50))
	if c.TakeForAssembly(FileKey{JobID: "job1", FileIndex: 0}, 1) != nil {
		t.Error("take returned wrong ordinal")
	}
	if got := c.TakeForAssembly(FileKey{JobID: "job1", FileIndex: 0}, 3); got == nil {
		t.Error("present ordinal not returned")
	}
}

func TestDuplicateOrdinalDropped(t *testing.T) {
	c := NewArticleCache(1024)
	first := art("job1", 0, 1, 60)
	second := art("job1", 0, 1, 60)
	second.Data[0] = 0xBB
	c.Put(first)
	c.Put(second)
	if c.Size() != 60 {
		t.Errorf("size after dup = %d, want 60", c.Size())
	}
	got := c.TakeForAssembly(first.Key, 1)
	if got == nil || got.Data[0] != 0xAA {
		t.Error("duplicate replaced the first copy")
	}
}

func TestDropPurgesJobOnly(t *testing.T) {
	c := NewArticleCache(4096)
	c.Put(art("job1", 0, 1, 100))
	c.Put(art("job1", 1, 1, 100))
	c.Put(art("job2", 0, 1, 100))

	c.Drop("job1")
	if c.Size() != 100 {
		t.Errorf("size after drop = %d, want 100", c.Size())
	}
	if c.TakeForAssembly(FileKey{JobID: "job1", FileIndex: 0}, 1) != nil {
		t.Error("dropped job article survived")
	}
	if c.TakeForAssembly(FileKey{JobID: "job2", FileIndex: 0}, 1) == nil {
		t.Error("unrelated job article purged")
	}
}

func TestPutBlocksAtLimitUntilDrain(t *testing.T) {
	c := NewArticleCache(150)
	first := art("job1", 0, 1, 100)
	c.Put(first)

	done := make(chan struct{})
	go func() {
		c.Put(art("job1", 0, 2, 100)) // would exceed the limit
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("put over the limit did not block")
	case <-time.After(50 * time.Millisecond):
	}

	c.TakeForAssembly(first.Key, 1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("put did not resume after drain")
	}
	if c.Size() != 100 {
		t.Errorf("size = %d, want 100", c.Size())
	}
}

func TestOversizedArticleAdmittedAlone(t *testing.T) {
	c := NewArticleCache(100)
	done := make(chan struct{})
	go func() {
		c.Put(art("job1", 0, 1, 500)) // bigger than the whole budget
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized article deadlocked an empty cache")
	}
	if c.Size() != 500 {
		t.Errorf("size = %d, want 500", c.Size())
	}
}

func TestCloseUnblocksProducers(t *testing.T) {
	c := NewArticleCache(100)
	c.Put(art("job1", 0, 1, 80))

	done := make(chan struct{})
	go func() {
		c.Put(art("job1", 0, 2, 80))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after close")
	}
	if c.Size() != 0 {
		t.Errorf("size after close = %d, want 0", c.Size())
	}
}

func TestPendingFiles(t *testing.T) {
	c := NewArticleCache(1024)
	c.Put(art("job1", 0, 1, 10))
	c.Put(art("job1", 2, 1, 10))
	c.Put(art("job2", 0, 1, 10))
	keys := c.PendingFiles()
	if len(keys) != 3 {
		t.Errorf("pending files = %d, want 3", len(keys))
	}
}

func TestNudgeSignalsFile(t *testing.T) {
	c := NewArticleCache(1024)
	key := FileKey{JobID: "job1", FileIndex: 0}
	c.Nudge(key)
	select {
	case got := <-c.Ready:
		if got != key {
			t.Errorf("nudged key = %+v, want %+v", got, key)
		}
	default:
		t.Fatal("nudge did not signal the ready channel")
	}

	c.Close()
	c.Nudge(key) // after close: silently dropped, no panic
}
