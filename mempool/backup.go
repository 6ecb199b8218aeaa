package mempool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stakeforge/bftchain/kv"
)

// Backup is the mempool's crash-safety column (spec.md section 4.4,
// "Backup"): every accepted item is persisted keyed by hash, and dropped
// the moment it leaves the pool, so a restart can rebuild current/future
// without replaying admission against the chain's historical log.
// Grounded on staking/state.go's prefix-keyed RLP table idiom, applied to
// a flat hash-keyed table instead of an address-keyed one.
type Backup struct {
	store kv.Store
}

var prefixMempoolItem = []byte("mp/item/")

func NewBackup(store kv.Store) *Backup {
	return &Backup{store: store}
}

func itemKey(hash common.Hash) []byte {
	out := make([]byte, 0, len(prefixMempoolItem)+len(hash))
	out = append(out, prefixMempoolItem...)
	out = append(out, hash.Bytes()...)
	return out
}

type encodedItem struct {
	Hash          common.Hash
	Signer        common.Address
	Seq           uint64
	Fee           uint64
	Size          uint64
	TimeLock      uint64
	Expiration    uint64
	Origin        uint8
	InsertionID   uint64
	InsertedBlock uint64
	InsertedTime  uint64
}

// Put persists it. Writes go straight through the store rather than
// through a kv.Batch: the pool already holds its own lock for the
// duration of the mutation that produced it (spec.md section 5, "the
// backup write ... is performed under the lock"), so there is no
// same-transaction stale-read hazard to guard against here.
func (bk *Backup) Put(it *item) {
	raw, _ := rlp.EncodeToBytes(encodedItem{
		Hash: it.tx.Hash, Signer: it.tx.Signer, Seq: it.tx.Seq, Fee: it.tx.Fee,
		Size: it.tx.Size, TimeLock: it.tx.TimeLock, Expiration: it.tx.Expiration,
		Origin: uint8(it.origin), InsertionID: it.insertionID,
		InsertedBlock: it.insertedBlock, InsertedTime: it.insertedTime,
	})
	if err := bk.store.Put(itemKey(it.tx.Hash), raw); err != nil {
		log.Error("mempool: backup put failed", "hash", it.tx.Hash, "err", err)
	}
}

func (bk *Backup) Delete(hash common.Hash) {
	if err := bk.store.Delete(itemKey(hash)); err != nil {
		log.Error("mempool: backup delete failed", "hash", hash, "err", err)
	}
}

// load enumerates every backed-up item, ascending by hash, preserving the
// bookkeeping fields (insertion_id, inserted_block/time) a plain Input
// would discard.
func (bk *Backup) load() []*item {
	var out []*item
	bk.store.Iterate(prefixMempoolItem, func(_, value []byte) bool {
		var e encodedItem
		if err := rlp.DecodeBytes(value, &e); err != nil {
			return true
		}
		out = append(out, &item{
			tx: Tx{
				Hash: e.Hash, Signer: e.Signer, Seq: e.Seq, Fee: e.Fee,
				Size: e.Size, TimeLock: e.TimeLock, Expiration: e.Expiration,
			},
			origin:        Origin(e.Origin),
			insertionID:   e.InsertionID,
			insertedBlock: e.InsertedBlock,
			insertedTime:  e.InsertedTime,
		})
		return true
	})
	return out
}

// RecoverFromDB rebuilds a Pool from its backup column, re-running
// admission-free insertion (spec.md section 4.4, "Recovery") followed by
// a full reindex against the chain tip so current/future reflect the
// restored chain state rather than whatever they were at crash time.
func RecoverFromDB(cfg Config, store kv.Store, blockNumber, timestamp uint64, fetch FetchAccount) *Pool {
	bk := NewBackup(store)
	p := New(cfg, bk)

	loaded := bk.load()
	touched := make(map[common.Address]bool, len(loaded))
	for _, it := range loaded {
		p.byHash[it.tx.Hash] = it
		if p.bySignerSeq[it.tx.Signer] == nil {
			p.bySignerSeq[it.tx.Signer] = make(map[uint64]*item)
		}
		p.bySignerSeq[it.tx.Signer][it.tx.Seq] = it
		p.future[it.tx.Hash] = it
		if it.origin == OriginLocal {
			p.isLocal[it.tx.Signer] = true
		}
		if it.insertionID >= p.nextID {
			p.nextID = it.insertionID + 1
		}
		touched[it.tx.Signer] = true
	}

	p.lastBlockNumber = blockNumber
	p.lastTimestamp = timestamp
	for signer := range touched {
		p.reindexSigner(signer, fetch)
	}
	log.Info("mempool: recovered from backup", "items", len(loaded))
	return p
}
