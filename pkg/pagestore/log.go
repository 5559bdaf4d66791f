package pagestore

import "github.com/nainya/pagestore/pkg/region"

// opKind tags an entry in the current transaction's allocation log, used to
// undo the transaction on rollback.
type opKind uint8

const (
	opAllocate opKind = iota
	opFree
	opFreeUncommitted
)

type logEntry struct {
	kind opKind
	page region.PageNumber
}
