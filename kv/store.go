// Package kv defines the external key-value store collaborator the
// consensus core persists through: backup snapshots (C7), the mempool
// backup column (C4), and the stake ledger tables (C2). The store's
// on-disk layout is explicitly out of scope (spec.md section 1) — only
// this interface and two concrete implementations are owned here.
package kv

import (
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is the minimal KV surface the core consumes.
type Store interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	// Iterate calls fn for every key with the given prefix, in key order.
	// Iteration stops early if fn returns false.
	Iterate(prefix []byte, fn func(key, value []byte) bool)
	Close() error
}

// Batch groups writes so a state transition (spec.md section 7) commits
// or discards atomically.
type Batch struct {
	store Store
	ops   []op
}

type op struct {
	key    []byte
	value  []byte
	delete bool
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{key: append([]byte(nil), key...), delete: true})
}

func (b *Batch) Len() int { return len(b.ops) }

// Write applies the batch in order. It is not atomic across the two
// concrete stores below beyond what their native write path offers;
// goleveldb's WriteBatch gives true atomicity, the in-memory store is
// single-threaded by construction (spec.md section 5).
func (b *Batch) Write() error {
	if l, ok := b.store.(*LevelDB); ok {
		wb := new(leveldb.Batch)
		for _, o := range b.ops {
			if o.delete {
				wb.Delete(o.key)
			} else {
				wb.Put(o.key, o.value)
			}
		}
		if err := l.db.Write(wb, nil); err != nil {
			return err
		}
		b.ops = b.ops[:0]
		return nil
	}
	for _, o := range b.ops {
		if o.delete {
			if err := b.store.Delete(o.key); err != nil {
				return err
			}
			continue
		}
		if err := b.store.Put(o.key, o.value); err != nil {
			return err
		}
	}
	b.ops = b.ops[:0]
	return nil
}

// ErrKeyNotFound mirrors leveldb.ErrNotFound so callers can use one
// sentinel regardless of which Store implementation is in play.
var ErrKeyNotFound = leveldb.ErrNotFound

// LevelDB is the on-disk Store, backing the node's durable backup and
// stake tables. Grounded on tos-network-gtos/tosdb's leveldb wrapper and
// the same github.com/syndtr/goleveldb dependency used directly by
// hc172808-guardian-chain/internal/storage and tolelom-tolchain/storage.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) { return l.db.Get(key, nil) }

func (l *LevelDB) Has(key []byte) (bool, error) { return l.db.Has(key, nil) }

func (l *LevelDB) Put(key, value []byte) error { return l.db.Put(key, value, nil) }

func (l *LevelDB) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *LevelDB) NewBatch() Batch { return Batch{store: l} }

func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) bool) {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			return
		}
	}
}

func (l *LevelDB) Close() error { return l.db.Close() }

// Memory is an in-memory Store used by tests and by the crash-safety
// scenario harness (spec.md section 8, scenario 6) to simulate "kill
// process, reopen" without touching disk.
type Memory struct {
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *Memory) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *Memory) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *Memory) NewBatch() Batch { return Batch{store: m} }

func (m *Memory) Iterate(prefix []byte, fn func(key, value []byte) bool) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if len(k) < len(prefix) || k[:len(prefix)] != string(prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), m.data[k]) {
			return
		}
	}
}

func (m *Memory) Close() error { return nil }

// Snapshot returns a point-in-time copy of the store's contents, used by
// Memory-backed tests to simulate a crash: take a snapshot, mutate, then
// restore to exercise restart semantics without a real process kill.
func (m *Memory) Snapshot() map[string][]byte {
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func (m *Memory) Restore(snap map[string][]byte) {
	m.data = make(map[string][]byte, len(snap))
	for k, v := range snap {
		cp := make([]byte, len(v))
		copy(cp, v)
		m.data[k] = cp
	}
}
