// Package freespace implements the in-memory free-space bucket index
// (§4.5): a sorted mapping from bucket number to candidate pages, used by
// RecordStore to place new records with first-fit placement. It is
// rebuilt from the page cache at every open; nothing here is persisted.
package freespace

import (
	"sync"

	"github.com/cuemby/warrendb/internal/pagecache"
)

// NumBuckets is the number of free-space buckets; bucket 0 means "no
// room", bucket NumBuckets means "fully empty".
const NumBuckets = 40

type entry struct {
	pageNo    uint32
	freeBytes int
}

// Index is the bucket map described in §4.5. All access is serialized by
// a single mutex.
type Index struct {
	mu      sync.Mutex
	buckets [NumBuckets + 1][]entry
}

// New returns an empty free-space index.
func New() *Index {
	return &Index{}
}

func bucketOf(freeBytes int) int {
	b := (freeBytes*NumBuckets + pagecache.PageSize - 1) / pagecache.PageSize
	if b > NumBuckets {
		b = NumBuckets
	}
	if b < 0 {
		b = 0
	}
	return b
}

// Add inserts a page with its current free-byte count.
func (idx *Index) Add(pageNo uint32, freeBytes int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b := bucketOf(freeBytes)
	idx.buckets[b] = append(idx.buckets[b], entry{pageNo, freeBytes})
}

// Select finds the smallest bucket that can satisfy required bytes,
// removes one candidate page from it, and returns it. The caller must
// re-insert the page with its updated free-byte count after using it.
// Returns ok=false if no page currently has room.
func (idx *Index) Select(required int) (pageNo uint32, freeBytes int, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	minBucket := (required*NumBuckets + pagecache.PageSize - 1) / pagecache.PageSize
	if minBucket < 1 {
		minBucket = 1
	}
	if minBucket > NumBuckets {
		return 0, 0, false
	}
	for b := minBucket; b <= NumBuckets; b++ {
		if len(idx.buckets[b]) == 0 {
			continue
		}
		last := len(idx.buckets[b]) - 1
		e := idx.buckets[b][last]
		idx.buckets[b] = idx.buckets[b][:last]
		return e.pageNo, e.freeBytes, true
	}
	return 0, 0, false
}

// Rebuild scans every page except page 1, reading its FSO header, and
// reinserts it into the bucket map. readFSO is supplied by the caller
// (RecordStore) to avoid a pagecache->freespace layering violation.
func (idx *Index) Rebuild(pageCount uint32, readFSO func(pageNo uint32) (freeBytes int, err error)) error {
	idx.mu.Lock()
	for b := range idx.buckets {
		idx.buckets[b] = nil
	}
	idx.mu.Unlock()

	for pageNo := uint32(2); pageNo <= pageCount; pageNo++ {
		freeBytes, err := readFSO(pageNo)
		if err != nil {
			return err
		}
		idx.Add(pageNo, freeBytes)
	}
	return nil
}
