package io

import (
	"fmt"
	"sync"

	log "github.com/hashicorp/go-hclog"

	"github.com/flant/negentropy/provisioning/memdb"
)

type MemoryStorableObject interface {
	ObjType() string
	ObjId() string
}

type MemoryStore struct {
	*memdb.MemDB

	hookMutex sync.RWMutex
	hooks     map[string][]ObjectHook

	logger log.Logger
}

// MemoryStoreTxn runs object hooks inline, in the same transaction, and collects callbacks
// which should run only after a successful commit
type MemoryStoreTxn struct {
	*memdb.Txn

	memstore    *MemoryStore // crosslink
	write       bool
	onCommit    []func()
	afterCommit []func()
}

func NewMemoryStore(schema *memdb.DBSchema, logger log.Logger) (*MemoryStore, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		MemDB:  db,
		hooks:  map[string][]ObjectHook{},
		logger: logger.Named("MemoryStore"),
	}, nil
}

func (ms *MemoryStore) Txn(write bool) *MemoryStoreTxn {
	return &MemoryStoreTxn{Txn: ms.MemDB.Txn(write), memstore: ms, write: write}
}

func (mst *MemoryStoreTxn) Insert(table string, obj MemoryStorableObject) error {
	old, err := mst.First(table, memdb.PK, obj.ObjId())
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if err = mst.Txn.Insert(table, obj); err != nil {
		return err
	}
	return mst.runHooks(table, HookEventInsert, old, obj)
}

func (mst *MemoryStoreTxn) Delete(table string, obj MemoryStorableObject) error {
	if err := mst.Txn.Delete(table, obj); err != nil {
		return err
	}
	return mst.runHooks(table, HookEventDelete, obj, nil)
}

func (mst *MemoryStoreTxn) runHooks(table string, event HookEvent, before, after interface{}) error {
	mst.memstore.hookMutex.RLock()
	hooks := mst.memstore.hooks[table]
	mst.memstore.hookMutex.RUnlock()
	for _, hook := range hooks {
		if !hook.listens(event) {
			continue
		}
		if err := hook.CallbackFn(mst, event, before, after); err != nil {
			return fmt.Errorf("hook on %s: %w", table, err)
		}
	}
	return nil
}

// AfterCommit registers fn to run after a successful Commit, aborted transactions drop it
func (mst *MemoryStoreTxn) AfterCommit(fn func()) {
	mst.afterCommit = append(mst.afterCommit, fn)
}

// OnCommit registers fn to run after a successful Commit before any AfterCommit callback
func (mst *MemoryStoreTxn) OnCommit(fn func()) {
	mst.onCommit = append(mst.onCommit, fn)
}

func (mst *MemoryStoreTxn) Commit() error {
	if !mst.write {
		return fmt.Errorf("commit of read-only transaction")
	}
	mst.Txn.Commit()
	callbacks := append(mst.onCommit, mst.afterCommit...)
	mst.onCommit, mst.afterCommit = nil, nil
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (mst *MemoryStoreTxn) Abort() {
	mst.onCommit, mst.afterCommit = nil, nil
	mst.Txn.Abort()
}
