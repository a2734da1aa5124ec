// Package kernel wires together the file store, buffer pool, lock
// manager, transaction table, and tree client into the public API of
// spec.md §6: db_open/db_close/db_insert/db_find/db_delete,
// init_db/shutdown_db, and begin_trx/end_trx/abort_trx. Grounded in the
// orchestration shape of mjm918-tur/pkg/turdb (the package that wires
// pager+cache+btree behind a CLI) and original_source/project3/app/perf.c's
// open_table/close_table entry points.
package kernel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"bptreekernel/pkg/buffer"
	"bptreekernel/pkg/filestore"
	"bptreekernel/pkg/lockmgr"
	"bptreekernel/pkg/page"
	"bptreekernel/pkg/tree"
	"bptreekernel/pkg/txn"
)

var (
	// ErrNotInitialized is returned by DBOpen and ShutdownDB on a kernel
	// that ShutdownDB has already shut down.
	ErrNotInitialized = errors.New("kernel: not initialized, call InitDB first")
	// ErrUnknownTable is returned when a table-id does not name an open table.
	ErrUnknownTable = errors.New("kernel: unknown table id")
	// ErrUnknownTransaction is not returned by any function in this
	// package: EndTrx and AbortTrx take a *Transaction, not a trx-id.
	ErrUnknownTransaction = errors.New("kernel: unknown transaction id")
	// ErrAlreadyInitialized is not returned by any function in this
	// package: every InitDB call builds a fresh, independent Kernel.
	ErrAlreadyInitialized = errors.New("kernel: already initialized")
)

// TableID identifies an open table (file), spec.md §6's "table-id".
type TableID = filestore.ID

// Value is the fixed-width record payload (spec.md is silent on exact
// width; DESIGN.md's record-width decision fixes it at tree.ValueSize,
// the classic bpt course project's record size).
type Value = tree.Value

// Options configures Kernel, mirroring the teacher's Options-struct
// config pattern (buffer.Options, filestore.Options).
type Options struct {
	BufferCapacity int
	EvictionPolicy buffer.EvictionPolicy
	Logger         *log.Logger
}

// Kernel is the process-wide database instance: one shared buffer pool
// and lock manager over any number of open table files, plus the
// transaction table (spec.md §6 "init_db(buffer_capacity)").
type Kernel struct {
	mu sync.Mutex

	pool    *buffer.Pool
	locks   *lockmgr.Manager
	txns    *txn.Manager
	log     *log.Logger
	tables  map[TableID]*table
	started bool
}

type table struct {
	store *filestore.Store
	tree  *tree.Tree
}

// InitDB constructs the shared buffer pool and lock/transaction
// managers (spec.md §6 "init_db(buffer_capacity)").
func InitDB(opts Options) *Kernel {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	return &Kernel{
		pool:    buffer.NewPool(buffer.Options{Capacity: opts.BufferCapacity, Policy: opts.EvictionPolicy, Logger: logger}),
		locks:   lockmgr.NewManager(),
		txns:    txn.NewManager(),
		log:     logger,
		tables:  make(map[TableID]*table),
		started: true,
	}
}

// ShutdownDB flushes and closes every open table and tears down the
// lock manager's waiters (spec.md §6 "shutdown_db()").
func (k *Kernel) ShutdownDB() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return ErrNotInitialized
	}
	k.locks.Shutdown()
	for id, tb := range k.tables {
		if err := k.closeTableLocked(tb); err != nil {
			return fmt.Errorf("kernel: shutdown table %d: %w", id, err)
		}
	}
	k.tables = make(map[TableID]*table)
	k.started = false
	k.log.Printf("kernel: shut down")
	return nil
}

// DBOpen opens or creates the file at path and returns its table id
// (spec.md §6 "db_open(path) -> table-id").
func (k *Kernel) DBOpen(path string) (TableID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return 0, ErrNotInitialized
	}

	store, err := filestore.Open(path, filestore.Options{Logger: k.log})
	if err != nil {
		return 0, err
	}
	id := store.ID()
	if _, exists := k.tables[id]; exists {
		store.Close()
		// SPEC_FULL.md §9 Open Question decision (colliding basename
		// hash aliasing, documented in DESIGN.md): refuse the second
		// open rather than silently aliasing two files' buffered pages
		// under one id.
		return 0, fmt.Errorf("kernel: table id %d already open (file-id collision or already-open path)", id)
	}

	k.tables[id] = &table{store: store, tree: tree.New(store, k.pool)}
	return id, nil
}

// DBClose releases and closes a table (spec.md §6 "db_close(table-id)").
func (k *Kernel) DBClose(id TableID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	tb, ok := k.tables[id]
	if !ok {
		return ErrUnknownTable
	}
	if err := k.closeTableLocked(tb); err != nil {
		return err
	}
	delete(k.tables, id)
	return nil
}

func (k *Kernel) closeTableLocked(tb *table) error {
	if err := k.pool.ReleaseFile(tb.store.ID()); err != nil {
		return err
	}
	return tb.store.Close()
}

func (k *Kernel) lookupTable(id TableID) (*table, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	tb, ok := k.tables[id]
	if !ok {
		return nil, ErrUnknownTable
	}
	return tb, nil
}

// DBInsert inserts key/value into the given table (spec.md §6
// "db_insert(table-id, key, value)").
func (k *Kernel) DBInsert(id TableID, key int64, value Value) error {
	tb, err := k.lookupTable(id)
	if err != nil {
		return err
	}
	return tb.tree.Insert(key, value, nil)
}

// DBFind looks up key in the given table and copies the record into out
// (spec.md §6 "db_find(table-id, key, out)").
func (k *Kernel) DBFind(id TableID, key int64, out *Value) error {
	tb, err := k.lookupTable(id)
	if err != nil {
		return err
	}
	v, err := tb.tree.Find(key)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

// DBDelete removes key from the given table (spec.md §6
// "db_delete(table-id, key)").
func (k *Kernel) DBDelete(id TableID, key int64) error {
	tb, err := k.lookupTable(id)
	if err != nil {
		return err
	}
	return tb.tree.Delete(key, nil)
}

// LastPagenum exposes the table's last allocated page number, used by
// spec.md §8 scenario 1's "last_pagenum >= 1" assertion.
func (k *Kernel) LastPagenum(id TableID) (uint64, error) {
	tb, err := k.lookupTable(id)
	if err != nil {
		return 0, err
	}
	return tb.store.LastPagenum(), nil
}

// Transaction is a handle into the kernel's transaction table, through
// which callers acquire locks on its behalf (Lock). DBInsert, DBFind and
// DBDelete take no transaction: they acquire no locks and record no undo
// actions.
type Transaction struct {
	id uint64
	tx *txn.Transaction
	k  *Kernel
}

// BeginTrx starts a new transaction (spec.md §6 "begin_trx() -> trx-id").
func (k *Kernel) BeginTrx() *Transaction {
	tx := k.txns.Begin()
	return &Transaction{id: tx.ID(), tx: tx, k: k}
}

// ID returns the transaction id.
func (tr *Transaction) ID() uint64 { return tr.id }

// EndTrx commits a transaction, releasing every lock it holds (spec.md
// §6 "end_trx(trx-id)").
func (k *Kernel) EndTrx(tr *Transaction) error {
	if err := tr.tx.Commit(); err != nil {
		return err
	}
	for _, l := range tr.tx.Held() {
		if lk, ok := l.(*lockmgr.Lock); ok {
			k.locks.ReleaseLock(lk)
		}
	}
	k.txns.Forget(tr.id)
	return nil
}

// AbortTrx aborts a transaction: releases its locks and runs its undo
// log in reverse (spec.md §6 "abort_trx(trx-id)").
func (k *Kernel) AbortTrx(tr *Transaction) {
	tr.tx.Abort(k.locks)
	k.txns.Forget(tr.id)
}

// Lock acquires a hierarchical lock on behalf of tr, blocking per
// spec.md §4.F's acquire protocol.
func (tr *Transaction) Lock(hid lockmgr.HierarchicalID, mode lockmgr.Mode) (*lockmgr.Lock, error) {
	return tr.k.locks.RequireLock(tr.tx, hid, mode)
}

// RecordLockID builds the hierarchical id for a single record inside a
// table's page, the (table, page, record) triple of spec.md GLOSSARY.
func RecordLockID(id TableID, pagenum uint64, recordID int) lockmgr.HierarchicalID {
	return lockmgr.HierarchicalID{TableID: uint64(id), PageNum: pagenum, RecordID: recordID}
}

// Invalid re-exports page.Invalid for callers comparing returned page
// numbers without importing pkg/page directly.
const Invalid = page.Invalid
