// ABOUTME: Integration tests for the page-store engine
// ABOUTME: Tests commit/reopen durability, rollback, and free_if_uncommitted semantics

package pagestore

import (
	"path/filepath"
	"testing"

	"github.com/nainya/pagestore/pkg/checksum"
	"github.com/nainya/pagestore/pkg/dbheader"
	"github.com/nainya/pagestore/pkg/storage"
)

func openTestEngine(t *testing.T, path string) *Engine {
	t.Helper()
	s, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e, err := New(s, Options{ChecksumType: uint8(dbheader.ChecksumXXH3)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEngineCommitAndReopenPreservesRoots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	e := openTestEngine(t, path)
	buf, pn, err := e.Allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(buf, []byte("hello world"))

	root := dbheader.OptRoot{Present: true, Page: pn, Checksum: checksum.Of(buf)}
	if err := e.Commit(Roots{Data: root}, 7, false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	e2 := openTestEngine(t, path)
	if got := e2.TransactionID(); got != 7 {
		t.Errorf("transaction id: got %d, want 7", got)
	}
	roots := e2.Roots()
	if !roots.Data.Present {
		t.Fatal("expected data root to be present after reopen")
	}
	if roots.Data.Page != pn {
		t.Errorf("data root page: got %+v, want %+v", roots.Data.Page, pn)
	}

	got, err := e2.GetPage(pn, storage.HintNone)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if string(got[:11]) != "hello world" {
		t.Errorf("page contents: got %q", got[:11])
	}
}

func TestEngineSecondCommitAdvancesTransactionID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	e := openTestEngine(t, path)

	_, pn1, _ := e.Allocate(16)
	root1 := dbheader.OptRoot{Present: true, Page: pn1}
	if err := e.Commit(Roots{Data: root1}, 1, false); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	_, pn2, _ := e.Allocate(16)
	root2 := dbheader.OptRoot{Present: true, Page: pn2}
	if err := e.Commit(Roots{Data: root2}, 2, false); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	e2 := openTestEngine(t, path)
	if got := e2.TransactionID(); got != 2 {
		t.Errorf("transaction id: got %d, want 2", got)
	}
	if roots := e2.Roots(); roots.Data.Page != pn2 {
		t.Errorf("data root: got %+v, want %+v", roots.Data.Page, pn2)
	}
}

func TestEngineRollbackRestoresAllocatedPageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	e := openTestEngine(t, path)

	before := e.CountAllocatedPages()
	for i := 0; i < 3; i++ {
		if _, _, err := e.Allocate(16); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	if diff := e.AllocatorDiff(before); diff != 3 {
		t.Fatalf("diff before rollback: got %d, want 3", diff)
	}

	e.RollbackUncommittedWrites()

	if diff := e.AllocatorDiff(before); diff != 0 {
		t.Errorf("diff after rollback: got %d, want 0", diff)
	}
}

func TestEngineFreeIfUncommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	e := openTestEngine(t, path)

	_, pn, err := e.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !e.FreeIfUncommitted(pn) {
		t.Error("expected FreeIfUncommitted to succeed for a page allocated this transaction")
	}

	_, pn2, err := e.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := e.Commit(Roots{}, 1, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.FreeIfUncommitted(pn2) {
		t.Error("expected FreeIfUncommitted to report false for a page from a prior committed transaction")
	}
}
