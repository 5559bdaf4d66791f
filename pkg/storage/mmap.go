// Package storage implements the physical storage capability the engine
// reads and writes pages through (spec section 6.6): byte-range windows
// into a single file, buffered writes, flush/eventual-flush/write-barrier
// durability levels, resize, and cache invalidation hints. Adapted from the
// teacher's pkg/storage/kv.go mmap-and-Pwrite idiom (single meta page,
// in-place update map, doubling mmap extension), generalized from "one
// fixed meta page at offset 0" to arbitrary byte windows sized by the
// caller.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ReadHint advises the backend how a read will be used; an mmap-backed
// implementation can act on it via madvise.
type ReadHint int

const (
	HintNone ReadHint = iota
	HintSequential
	HintWillNeed
)

// Storage is the physical storage capability required by the page-store
// engine. Implementations need not be mmap-based; a paged+cached file
// backend satisfies the same contract.
type Storage interface {
	// Read returns a window that may alias shared backend memory; callers
	// must not retain it past the next mutating call that could move or
	// remap the underlying buffer.
	Read(offset int64, length int, hint ReadHint) ([]byte, error)
	// ReadDirect returns an owned copy, safe to retain indefinitely.
	ReadDirect(offset int64, length int) ([]byte, error)
	// Write returns an exclusive, buffered window the caller may mutate in
	// place; it is not durable until Flush or EventualFlush.
	Write(offset int64, length int) ([]byte, error)
	Flush() error
	EventualFlush() error
	WriteBarrier() error
	Resize(newLen int64) error
	InvalidateCache(offset int64, length int)
	CancelPendingWrite(offset int64, length int)
	MarkTransaction(id uint64)
	GC(oldestLiveID uint64)
	Close() error
}

// Mmap is an mmap-backed Storage implementation.
type Mmap struct {
	mu      sync.Mutex
	file    *os.File
	total   int64
	chunks  [][]byte
	pending map[int64][]byte

	lastMarkedTxn uint64
}

// Open creates or opens path for use as page-store-backed storage,
// fsyncing the containing directory the way the teacher's createFileSync
// does, so the file's existence itself is durable.
func Open(path string) (*Mmap, error) {
	f, err := openFileSync(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	m := &Mmap{file: f, pending: make(map[int64][]byte)}
	if info.Size() > 0 {
		if err := m.mapUpTo(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return m, nil
}

func openFileSync(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("fsync directory: %w", err)
	}
	return f, nil
}

// mapUpTo grows the mmap'd region to cover at least size bytes, doubling
// each extension like the teacher's extendMmap.
func (m *Mmap) mapUpTo(size int64) error {
	if size <= m.total {
		return nil
	}
	alloc := m.total
	if alloc < 64<<20 {
		alloc = 64 << 20
	}
	for m.total+alloc < size {
		alloc *= 2
	}
	chunk, err := unix.Mmap(int(m.file.Fd()), m.total, int(alloc), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	m.total += alloc
	m.chunks = append(m.chunks, chunk)
	return nil
}

func (m *Mmap) readMapped(offset int64, length int) ([]byte, bool) {
	start := int64(0)
	for _, chunk := range m.chunks {
		end := start + int64(len(chunk))
		if offset >= start && offset+int64(length) <= end {
			o := offset - start
			return chunk[o : o+int64(length)], true
		}
		start = end
	}
	return nil, false
}

// Read returns a window into pending (buffered, not-yet-flushed) data if
// present, else a window into the mmap.
func (m *Mmap) Read(offset int64, length int, hint ReadHint) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.pending[offset]; ok {
		return buf, nil
	}
	if buf, ok := m.readMapped(offset, length); ok {
		if hint == HintWillNeed {
			unix.Madvise(buf, unix.MADV_WILLNEED)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("storage: read out of bounds at offset %d length %d", offset, length)
}

// ReadDirect always returns an owned copy.
func (m *Mmap) ReadDirect(offset int64, length int) ([]byte, error) {
	view, err := m.Read(offset, length, HintNone)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// Write allocates a buffered, exclusive window that becomes durable on the
// next Flush or EventualFlush. If offset falls within already-written data
// (a page being modified in place), the window starts pre-populated with
// the current contents so the caller can mutate a subrange; offsets beyond
// the current file are zero-filled, matching a freshly grown region.
func (m *Mmap) Write(offset int64, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, length)
	if existing, ok := m.pending[offset]; ok && len(existing) == length {
		copy(buf, existing)
	} else if mapped, ok := m.readMapped(offset, length); ok {
		copy(buf, mapped)
	}
	m.pending[offset] = buf
	return buf, nil
}

// Flush writes every buffered window to disk and fsyncs.
func (m *Mmap) Flush() error {
	if err := m.writePending(); err != nil {
		return err
	}
	return m.file.Sync()
}

// EventualFlush writes every buffered window to disk without waiting for
// fsync; the kernel schedules writeback on its own time.
func (m *Mmap) EventualFlush() error {
	return m.writePending()
}

// WriteBarrier makes buffered writes visible to in-process readers without
// touching disk at all; Read already serves pending entries directly, so
// this is a no-op ordering fence.
func (m *Mmap) WriteBarrier() error {
	return nil
}

func (m *Mmap) writePending() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxEnd int64
	for off, buf := range m.pending {
		if end := off + int64(len(buf)); end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd > m.total {
		if err := m.mapUpTo(maxEnd); err != nil {
			return err
		}
	}
	for off, buf := range m.pending {
		if _, err := m.file.WriteAt(buf, off); err != nil {
			return fmt.Errorf("storage: pwrite at %d: %w", off, err)
		}
	}
	m.pending = make(map[int64][]byte)
	return nil
}

// Resize truncates or extends the backing file.
func (m *Mmap) Resize(newLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Truncate(newLen); err != nil {
		return fmt.Errorf("storage: truncate: %w", err)
	}
	if newLen > m.total {
		return m.mapUpTo(newLen)
	}
	return nil
}

// InvalidateCache is a hint that previously read bytes in this range
// should not be trusted by the caller's own higher-level caches; the mmap
// backend itself has no separate cache to drop (the mapping is the source
// of truth), so this is a no-op.
func (m *Mmap) InvalidateCache(offset int64, length int) {}

// CancelPendingWrite discards a buffered write before it was ever flushed,
// used by rollback to undo an allocation made earlier in the same
// transaction.
func (m *Mmap) CancelPendingWrite(offset int64, length int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, offset)
}

// MarkTransaction records the oldest transaction id a reader may still be
// using; relevant only to mmap backends that reclaim stale mappings.
func (m *Mmap) MarkTransaction(id uint64) {
	m.mu.Lock()
	m.lastMarkedTxn = id
	m.mu.Unlock()
}

// GC is a no-op for this backend: a single growing mmap never needs to
// reclaim superseded mappings the way a generational allocator would.
func (m *Mmap) GC(oldestLiveID uint64) {}

// Close unmaps and closes the backing file.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range m.chunks {
		if err := unix.Munmap(chunk); err != nil {
			return err
		}
	}
	return m.file.Close()
}
