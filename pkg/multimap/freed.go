package multimap

import (
	"sync"

	"github.com/nainya/pagestore/pkg/region"
)

// FreedPages is the shared, mutex-protected list spec section 4.6's
// remove/remove_all fall back to when a page can't be reclaimed
// immediately via free_if_uncommitted (it was allocated in an earlier,
// already-committed transaction). The caller's freed-pages B-tree - out of
// scope per spec section 1 - drains this at its own commit boundary and
// accounts for the pages there; this type only collects them.
type FreedPages struct {
	mu    sync.Mutex
	pages []region.PageNumber
}

// NewFreedPages constructs an empty collector.
func NewFreedPages() *FreedPages {
	return &FreedPages{}
}

// Add appends pn to the pending list.
func (f *FreedPages) Add(pn region.PageNumber) {
	f.mu.Lock()
	f.pages = append(f.pages, pn)
	f.mu.Unlock()
}

// Drain returns and clears the pending list.
func (f *FreedPages) Drain() []region.PageNumber {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.pages
	f.pages = nil
	return pages
}

// Len reports the number of pages currently pending.
func (f *FreedPages) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}
