package mempool

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/stakeforge/bftchain/errs"
)

// Pool is the Mempool (C4). It is safe for concurrent use by multiple
// producers and a single consumer, behind one coarse lock (spec.md
// section 5: "protected by a single coarse lock; critical sections are
// short ... and never block on I/O except the backup write, which is
// performed under the lock").
type Pool struct {
	mu sync.Mutex

	countLimit             int
	memoryLimit            uint64
	minFeeForAction        uint64
	feeBumpShift           uint
	maxPoolLifetime        uint64
	balanceRecheckFraction float64

	byHash      map[common.Hash]*item
	bySignerSeq map[common.Address]map[uint64]*item
	current     map[common.Hash]*item
	future      map[common.Hash]*item

	firstSeq map[common.Address]uint64
	nextSeq  map[common.Address]uint64
	isLocal  map[common.Address]bool

	lastBlockNumber uint64
	lastTimestamp   uint64
	nextID          uint64

	backup *Backup
}

// Config bundles the tunables spec.md section 4.4 and config.MempoolConfig
// name.
type Config struct {
	CountLimit             int
	MemoryLimit            uint64
	MinFeeForAction        uint64
	FeeBumpShift           uint
	MaxPoolLifetime        uint64
	BalanceRecheckFraction float64
}

// New creates an empty pool. backup may be nil (tests / in-memory-only
// use); when non-nil every mutation is persisted through it (spec.md
// section 4.4 "Backup").
func New(cfg Config, backup *Backup) *Pool {
	return &Pool{
		countLimit:             cfg.CountLimit,
		memoryLimit:            cfg.MemoryLimit,
		minFeeForAction:        cfg.MinFeeForAction,
		feeBumpShift:           cfg.FeeBumpShift,
		maxPoolLifetime:        cfg.MaxPoolLifetime,
		balanceRecheckFraction: cfg.BalanceRecheckFraction,
		byHash:                 make(map[common.Hash]*item),
		bySignerSeq:            make(map[common.Address]map[uint64]*item),
		current:                make(map[common.Hash]*item),
		future:                 make(map[common.Hash]*item),
		firstSeq:               make(map[common.Address]uint64),
		nextSeq:                make(map[common.Address]uint64),
		isLocal:                make(map[common.Address]bool),
		backup:                 backup,
	}
}

// Status is the pool's size summary.
type Status struct {
	Pending int
	Future  int
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Pending: len(p.current), Future: len(p.future)}
}

// effectiveMinimumFee is one more than the pool's current lowest fee iff
// the pool is full, otherwise 0 (spec.md section 4.4).
func (p *Pool) effectiveMinimumFee() uint64 {
	if len(p.current) < p.countLimit {
		return 0
	}
	lowest := p.lowestFee(p.current)
	return lowest + 1
}

func (p *Pool) lowestFee(set map[common.Hash]*item) uint64 {
	var lowest uint64
	first := true
	for _, it := range set {
		if first || it.tx.Fee < lowest {
			lowest = it.tx.Fee
			first = false
		}
	}
	return lowest
}

// Add runs the admission procedure for each input in order (spec.md
// section 4.4). Results line up 1:1 with inputs; nil means accepted.
func (p *Pool) Add(inputs []Input, blockNumber, timestamp uint64, fetch FetchAccount) []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastBlockNumber = blockNumber
	p.lastTimestamp = timestamp

	results := make([]error, len(inputs))
	touched := make(map[common.Address]bool)

	for i, in := range inputs {
		err := p.addOne(in, blockNumber, timestamp, fetch)
		results[i] = err
		if err == nil {
			touched[in.Tx.Signer] = true
		}
	}

	for signer := range touched {
		p.reindexSigner(signer, fetch)
	}
	p.enforceCapacity()
	return results
}

func (p *Pool) addOne(in Input, blockNumber, timestamp uint64, fetch FetchAccount) error {
	tx := in.Tx
	origin := in.Origin

	// Escalation: once an account has sent one Local transaction, every
	// subsequent transaction from it is treated as Local even if resent
	// as External (mem_pool.rs's is_local_account set).
	if origin == OriginLocal {
		p.isLocal[tx.Signer] = true
	} else if origin == OriginExternal && p.isLocal[tx.Signer] {
		origin = OriginLocal
	}

	if origin != OriginLocal && tx.Fee < p.minFeeForAction {
		return errs.NewSyntax(errs.ErrFeeTooLow)
	}

	full := len(p.current)+len(p.future) >= p.countLimit
	if origin != OriginLocal && full && tx.Fee < p.effectiveMinimumFee() {
		return errs.NewHistory(errs.ErrPoolFull)
	}

	acct := fetch(tx.Signer)
	if acct.Balance < tx.Fee {
		return errs.NewRuntime(errs.ErrInsufficientBalance)
	}

	if tx.Seq < acct.Seq {
		return errs.NewHistory(errs.ErrOldSequence)
	}

	if existingBySeq, ok := p.bySignerSeq[tx.Signer]; ok {
		if old, ok := existingBySeq[tx.Seq]; ok {
			if old.tx.Hash == tx.Hash {
				return errs.NewHistory(errs.ErrAlreadyImported)
			}
			if origin != OriginLocal {
				minRequired := old.tx.Fee + (old.tx.Fee >> p.feeBumpShift)
				if tx.Fee < minRequired {
					return errs.NewHistory(errs.ErrTooCheapToReplace)
				}
			}
			p.evict(old)
		}
	}

	if _, ok := p.byHash[tx.Hash]; ok {
		return errs.NewHistory(errs.ErrAlreadyImported)
	}

	it := &item{tx: tx, origin: origin, insertionID: p.nextID, insertedBlock: blockNumber, insertedTime: timestamp}
	p.nextID++
	p.insert(it)
	log.Trace("mempool: accepted", "hash", tx.Hash, "signer", tx.Signer, "seq", tx.Seq, "origin", origin)
	return nil
}

func (p *Pool) insert(it *item) {
	p.byHash[it.tx.Hash] = it
	if p.bySignerSeq[it.tx.Signer] == nil {
		p.bySignerSeq[it.tx.Signer] = make(map[uint64]*item)
	}
	p.bySignerSeq[it.tx.Signer][it.tx.Seq] = it
	// Provisionally land in future; reindexSigner moves ready entries
	// into current once the whole batch has been admitted (spec.md
	// section 4.4, section 5 "per-signer reindexing runs once at the end
	// of the batch").
	p.future[it.tx.Hash] = it
	if p.backup != nil {
		p.backup.Put(it)
	}
}

func (p *Pool) evict(it *item) {
	delete(p.byHash, it.tx.Hash)
	delete(p.current, it.tx.Hash)
	delete(p.future, it.tx.Hash)
	if row := p.bySignerSeq[it.tx.Signer]; row != nil {
		delete(row, it.tx.Seq)
		if len(row) == 0 {
			delete(p.bySignerSeq, it.tx.Signer)
		}
	}
	if p.backup != nil {
		p.backup.Delete(it.tx.Hash)
	}
}

// reindexSigner recomputes next_seq for signer — the largest contiguous
// seq starting at the account's on-chain seq whose time-lock has passed —
// and moves entries between current/future to match (spec.md section 4.4).
func (p *Pool) reindexSigner(signer common.Address, fetch FetchAccount) {
	row := p.bySignerSeq[signer]
	acct := fetch(signer)
	p.firstSeq[signer] = acct.Seq

	if row == nil {
		delete(p.nextSeq, signer)
		return
	}

	seqs := make([]uint64, 0, len(row))
	for seq := range row {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	next := acct.Seq
	for _, seq := range seqs {
		if seq != next {
			break
		}
		it := row[seq]
		if it.tx.TimeLock > p.lastBlockNumber {
			break
		}
		next++
	}
	p.nextSeq[signer] = next

	for _, seq := range seqs {
		it := row[seq]
		ready := seq < next
		delete(p.current, it.tx.Hash)
		delete(p.future, it.tx.Hash)
		if ready {
			p.current[it.tx.Hash] = it
		} else {
			p.future[it.tx.Hash] = it
		}
	}
}

// enforceCapacity walks each queue independently in ascending fingerprint
// order (most worth keeping first), keeps entries while the running count
// and memory stay within both limits, and evicts every later non-local,
// non-retracted entry (spec.md section 4.4).
func (p *Pool) enforceCapacity() {
	p.enforceCapacityOn(p.current)
	p.enforceCapacityOn(p.future)
}

func (p *Pool) enforceCapacityOn(queue map[common.Hash]*item) {
	if len(queue) <= p.countLimit && p.memUsage(queue) <= p.memoryLimit {
		return
	}
	ordered := make([]*item, 0, len(queue))
	for _, it := range queue {
		ordered = append(ordered, it)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].fingerprint().less(ordered[j].fingerprint()) })

	count := uint64(0)
	mem := uint64(0)
	for _, it := range ordered {
		count++
		mem += it.tx.Size
		overLimit := mem > p.memoryLimit || count > uint64(p.countLimit)
		if overLimit && !it.origin.isLocalOrRetracted() {
			p.evict(it)
		}
	}
}

func (p *Pool) memUsage(queue map[common.Hash]*item) uint64 {
	var total uint64
	for _, it := range queue {
		total += it.tx.Size
	}
	return total
}

// RemoveOld drops stale non-Local entries: those that have outlived
// max_pool_lifetime, those past their own expiration, and those whose
// cost now exceeds the signer's balance — re-checked only once a
// lifetime-fraction has elapsed, to amortize the work (spec.md section
// 4.4).
func (p *Pool) RemoveOld(nowBlock, nowTimestamp uint64, fetch FetchAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastBlockNumber = nowBlock
	p.lastTimestamp = nowTimestamp

	recheckAfter := uint64(float64(p.maxPoolLifetime) * p.balanceRecheckFraction)
	touched := make(map[common.Address]bool)

	for _, it := range p.allItems() {
		if it.origin == OriginLocal {
			continue
		}
		age := nowBlock - it.insertedBlock
		expired := it.insertedBlock+p.maxPoolLifetime < nowBlock
		pastExpiration := it.tx.Expiration != 0 && it.tx.Expiration <= nowBlock
		insufficientBalance := false
		if age >= recheckAfter {
			insufficientBalance = fetch(it.tx.Signer).Balance < it.tx.Fee
		}
		if expired || pastExpiration || insufficientBalance {
			p.evict(it)
			touched[it.tx.Signer] = true
		}
	}

	for signer := range touched {
		p.reindexSigner(signer, fetch)
	}
}

// Remove deletes hashes (after a block commits with them) and
// recomputes first_seq/next_seq for every affected signer (spec.md
// section 4.4).
func (p *Pool) Remove(hashes []common.Hash, fetch FetchAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()

	touched := make(map[common.Address]bool)
	for _, h := range hashes {
		it, ok := p.byHash[h]
		if !ok {
			continue
		}
		p.evict(it)
		touched[it.tx.Signer] = true
	}
	for signer := range touched {
		p.reindexSigner(signer, fetch)
	}
}

func (p *Pool) allItems() []*item {
	out := make([]*item, 0, len(p.byHash))
	for _, it := range p.byHash {
		out = append(out, it)
	}
	return out
}

// PendingBySignerSeq exposes whether (signer,seq) is currently occupied,
// for callers building a next-seq probe without locking internals.
func (p *Pool) PendingBySignerSeq(signer common.Address, seq uint64) (Tx, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.bySignerSeq[signer]
	if !ok {
		return Tx{}, false
	}
	it, ok := row[seq]
	if !ok {
		return Tx{}, false
	}
	return it.tx, true
}

// Current returns the current queue's transactions, ordered by ascending
// fingerprint (highest priority first), the same order the pool's
// capacity walk uses; the most-evictable entries come last.
func (p *Pool) Current() []Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return orderedTxs(p.current)
}

func (p *Pool) Future() []Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return orderedTxs(p.future)
}

func orderedTxs(queue map[common.Hash]*item) []Tx {
	items := make([]*item, 0, len(queue))
	for _, it := range queue {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].fingerprint().less(items[j].fingerprint()) })
	out := make([]Tx, len(items))
	for i, it := range items {
		out[i] = it.tx
	}
	return out
}

// Len reports |by_hash|, which the testable-property invariant
// |current|+|future| = |by_hash| = |by_signer| must match (spec.md
// section 8).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}
