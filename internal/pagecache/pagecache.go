// Package pagecache implements the reference-counted page buffer pool
// over the flat data file (§4.2). It is the lowest layer of the storage
// stack: every byte any other core package reads or writes passes
// through a pinned Page handle obtained here.
package pagecache

import (
	"crypto/rand"
	"os"
	"sync"

	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// PageSize is the fixed on-disk block size.
const PageSize = 8192

// Witness byte offsets on page 1, the reserved start/stop witness page.
const (
	witnessStartOff = 100
	witnessStopOff  = 108
	witnessLen      = 8
)

// Page is a pinned handle to one in-memory copy of a data file block.
// Callers must call Cache.Release exactly once for every successful
// Cache.Get.
type Page struct {
	No    uint32
	Buf   []byte
	mu    sync.RWMutex // protects Buf contents for concurrent readers/writers
	dirty bool
	cache *Cache
	refs  int // guarded by cache.mu
}

// Lock takes the page's own content latch for exclusive mutation.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock releases the page's exclusive content latch.
func (p *Page) Unlock() { p.mu.Unlock() }

// RLock takes the page's shared content latch.
func (p *Page) RLock() { p.mu.RLock() }

// RUnlock releases the page's shared content latch.
func (p *Page) RUnlock() { p.mu.RUnlock() }

// MarkDirty flags the page for write-back on release or explicit flush.
// Callers must hold the page's own lock.
func (p *Page) MarkDirty() { p.dirty = true }

// Cache is a pool of at most capacity pages backed by one data file.
// capacity == 0 means unbounded. All bookkeeping is serialized by mu;
// page content access goes through each Page's own latch instead.
type Cache struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	capacity int
	pages    map[uint32]*Page
	group    singleflight.Group
}

// Open attaches the page cache to an already-open data file.
func Open(path string, f *os.File, capacity int) *Cache {
	return &Cache{f: f, path: path, capacity: capacity, pages: make(map[uint32]*Page)}
}

// PageCount returns the number of pages currently in the backing file.
func (c *Cache) PageCount() (uint32, error) {
	info, err := c.f.Stat()
	if err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "stat data file %s", c.path)
	}
	return uint32(info.Size() / PageSize), nil
}

func (c *Cache) readFromDisk(pageNo uint32) ([]byte, error) {
	buf := make([]byte, PageSize)
	off := int64(pageNo-1) * PageSize
	if _, err := c.f.ReadAt(buf, off); err != nil {
		return nil, dberr.Wrapf(dberr.FileCannotRW, err, "read page %d", pageNo)
	}
	return buf, nil
}

// Get returns a pinned handle to pageNo, loading it from disk on a
// miss. Concurrent Get calls for the same pageNo coalesce into a single
// disk read via singleflight, satisfying the "exactly one loader per
// key" contract.
func (c *Cache) Get(pageNo uint32) (*Page, error) {
	c.mu.Lock()
	if pg, ok := c.pages[pageNo]; ok {
		pg.refs++
		c.mu.Unlock()
		metrics.PageCacheHits.Inc()
		return pg, nil
	}
	if c.capacity > 0 && len(c.pages) >= c.capacity {
		if !c.evictLocked() {
			c.mu.Unlock()
			return nil, dberr.New(dberr.CacheFull, "page cache full, no evictable page for %d", pageNo)
		}
	}
	c.mu.Unlock()

	metrics.PageCacheMisses.Inc()
	key := keyFor(pageNo)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.readFromDisk(pageNo)
	})
	if err != nil {
		return nil, err.(*dberr.Error)
	}
	buf := v.([]byte)

	c.mu.Lock()
	defer c.mu.Unlock()
	if pg, ok := c.pages[pageNo]; ok {
		// Another goroutine inserted the page while we were reading
		// (re-admitted after an eviction race); just pin that one.
		pg.refs++
		return pg, nil
	}
	pg := &Page{No: pageNo, Buf: buf, cache: c, refs: 1}
	c.pages[pageNo] = pg
	metrics.PagesPinned.Inc()
	log.WithPageNo(pageNo).Debug().Msg("page loaded into cache")
	return pg, nil
}

func keyFor(pageNo uint32) string {
	b := make([]byte, 4)
	b[0] = byte(pageNo)
	b[1] = byte(pageNo >> 8)
	b[2] = byte(pageNo >> 16)
	b[3] = byte(pageNo >> 24)
	return string(b)
}

// evictLocked tries to evict one ref-count-0 page. Caller holds c.mu.
func (c *Cache) evictLocked() bool {
	for no, pg := range c.pages {
		if pg.refs == 0 {
			if pg.dirty {
				// best-effort flush; an error here is surfaced by
				// treating the page as non-evictable this round.
				if err := c.flushLocked(pg); err != nil {
					continue
				}
			}
			delete(c.pages, no)
			metrics.PageCacheEvictions.Inc()
			return true
		}
	}
	return false
}

func (c *Cache) flushLocked(pg *Page) error {
	off := int64(pg.No-1) * PageSize
	if _, err := c.f.WriteAt(pg.Buf, off); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "flush page %d", pg.No)
	}
	pg.dirty = false
	return nil
}

// Flush writes a page's bytes back to disk regardless of dirty state.
func (c *Cache) Flush(pg *Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(pg)
}

// Release decrements a page's ref-count; at zero it flushes a dirty page
// and makes the slot eligible for eviction.
func (c *Cache) Release(pg *Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pg.refs > 0 {
		pg.refs--
	}
	if pg.refs == 0 {
		metrics.PagesPinned.Dec()
		if pg.dirty {
			return c.flushLocked(pg)
		}
	}
	return nil
}

// NewPage extends the backing file by one page, synchronously writing
// initial (padded with zero bytes to PageSize). It is not held in the
// pool; callers who need it cached must Get it afterward.
func (c *Cache) NewPage(initial []byte) (uint32, error) {
	if len(initial) > PageSize {
		return 0, dberr.New(dberr.DataTooLarge, "initial page image exceeds page size")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.f.Stat()
	if err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "stat data file %s", c.path)
	}
	pageNo := uint32(info.Size()/PageSize) + 1

	buf := make([]byte, PageSize)
	copy(buf, initial)
	off := int64(pageNo-1) * PageSize
	if _, err := c.f.WriteAt(buf, off); err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "extend data file for page %d", pageNo)
	}
	if err := c.f.Sync(); err != nil {
		return 0, dberr.Wrapf(dberr.FileCannotRW, err, "fsync new page %d", pageNo)
	}
	log.WithPageNo(pageNo).Debug().Msg("new page allocated")
	return pageNo, nil
}

// TruncateByPageNo shrinks the backing file to maxPg pages, used by
// recovery to discard tail pages the log cannot describe.
func (c *Cache) TruncateByPageNo(maxPg uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for no := range c.pages {
		if no > maxPg {
			delete(c.pages, no)
		}
	}
	if err := c.f.Truncate(int64(maxPg) * PageSize); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "truncate data file to %d pages", maxPg)
	}
	return nil
}

// Close flushes all dirty pages and closes the data file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pg := range c.pages {
		if pg.dirty {
			if err := c.flushLocked(pg); err != nil {
				return err
			}
		}
	}
	return c.f.Close()
}

// WriteWitnessOpen writes a fresh random value into the start-witness
// region [100,108) of page 1 and clears the stop region [108,116), then
// marks the page dirty so Cache.Release writes it back. Called once at
// open, after any recovery has run.
func WriteWitnessOpen(pg *Page) error {
	pg.Lock()
	defer pg.Unlock()
	var rnd [witnessLen]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "generate start witness")
	}
	copy(pg.Buf[witnessStartOff:witnessStartOff+witnessLen], rnd[:])
	for i := 0; i < witnessLen; i++ {
		pg.Buf[witnessStopOff+i] = 0
	}
	pg.MarkDirty()
	return nil
}

// WriteWitnessClean copies the start-witness value into the stop-witness
// region, marking the previous session's shutdown as clean. Called at
// Coordinator close.
func WriteWitnessClean(pg *Page) {
	pg.Lock()
	defer pg.Unlock()
	copy(pg.Buf[witnessStopOff:witnessStopOff+witnessLen], pg.Buf[witnessStartOff:witnessStartOff+witnessLen])
	pg.MarkDirty()
}

// WitnessDirty reports whether page 1's start/stop witness regions
// differ, meaning the previous shutdown did not complete cleanly.
func WitnessDirty(pg *Page) bool {
	pg.RLock()
	defer pg.RUnlock()
	start := pg.Buf[witnessStartOff : witnessStartOff+witnessLen]
	stop := pg.Buf[witnessStopOff : witnessStopOff+witnessLen]
	for i := range start {
		if start[i] != stop[i] {
			return true
		}
	}
	return false
}
