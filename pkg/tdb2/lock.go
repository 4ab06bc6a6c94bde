package tdb2

import (
	"errors"
	"fmt"

	tfs "github.com/calvinalkan/tdb2/internal/fs"
)

// Logical lock targets and the byte ranges they map to, per spec.md §4.2.
const (
	lockOpenOffset        int64 = 0
	lockTransactionOffset int64 = 1
	lockExpansionOffset   int64 = 2
	lockHashBase          int64 = 3
	lockHashRangeLen      int64 = 1 << 30
	lockFreeBase                = lockHashBase + lockHashRangeLen

	// allRecordLen is deliberately generous: it must cover the whole hash
	// range plus every free-bucket offset a file of any size this module
	// will ever grow to can produce. spec.md leaves the exact upper bound
	// unspecified ("everything above"); this constant is the concrete
	// choice, documented here rather than silently assumed.
	allRecordLen int64 = 1 << 40
)

func hashRangeOffset(top10 uint64) int64 { return lockHashBase + int64(top10) }
func freeBucketOffset(bOff int64) int64  { return lockFreeBase + bOff/8 }

// heldLock tracks in-process nesting of a single logical lock target: the
// kernel lock is acquired once and reference-counted, since fcntl byte
// ranges do not nest.
type heldLock struct {
	refcount   int
	write      bool
	upgradable bool
}

// lockGuard is returned by every acquire* method. Release must be called
// exactly once, normally via defer, regardless of which path out of the
// caller is taken - this is the "scoped acquisition with guaranteed
// release on every exit path" spec.md §9 asks for.
type lockGuard struct {
	db           *DB
	kind         lockKind
	key          int64
	viaAllRecord bool
	released     bool
}

type lockKind int

const (
	kindSingleton lockKind = iota
	kindHashRange
	kindFreeBucket
	kindAllRecord
)

func (g *lockGuard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true

	g.db.lockMu.Lock()
	defer g.db.lockMu.Unlock()

	if g.viaAllRecord {
		g.db.allRecord.refcount--
		return nil
	}

	switch g.kind {
	case kindSingleton:
		return g.db.releaseSingletonLocked(g.key)
	case kindHashRange:
		return g.db.releaseHashRangeLocked(g.key)
	case kindFreeBucket:
		return g.db.releaseFreeBucketLocked(g.key)
	case kindAllRecord:
		return g.db.releaseAllRecordLocked()
	}
	return nil
}

// --- singleton locks: open, transaction, expansion ---

func (db *DB) acquireSingleton(offset int64, write bool) (*lockGuard, error) {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()

	if hl, ok := db.heldSingleton[offset]; ok {
		hl.refcount++
		return &lockGuard{db: db, kind: kindSingleton, key: offset}, nil
	}

	lt := tfs.RangeLockShared
	if write {
		lt = tfs.RangeLockExclusive
	}
	if err := db.rangeLocker.Lock(lt, offset, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLock, err)
	}

	db.heldSingleton[offset] = &heldLock{refcount: 1, write: write}

	if offset == lockExpansionOffset {
		db.expansionHeld++
	}

	return &lockGuard{db: db, kind: kindSingleton, key: offset}, nil
}

func (db *DB) releaseSingletonLocked(offset int64) error {
	hl, ok := db.heldSingleton[offset]
	if !ok {
		return fmt.Errorf("%w: release of unheld singleton lock", ErrNesting)
	}
	hl.refcount--
	if hl.refcount > 0 {
		return nil
	}
	delete(db.heldSingleton, offset)
	if offset == lockExpansionOffset {
		db.expansionHeld--
	}
	return db.rangeLocker.Unlock(offset, 1)
}

// --- hash range locks ---

// acquireHashRange locks the top-level 10-bit range containing top10. Per
// the documented open-question decision on hbucket_range's FIXME, this
// always locks the coarse top-level range, never a narrower range derived
// from actual descent depth.
func (db *DB) acquireHashRange(top10 uint64, write bool) (*lockGuard, error) {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()

	if db.freeBucketHeld > 0 || db.expansionHeld > 0 {
		return nil, fmt.Errorf("%w: hash lock requested while holding a free or expansion lock", ErrNesting)
	}

	if db.allRecord != nil {
		db.allRecord.refcount++
		return &lockGuard{db: db, kind: kindHashRange, key: int64(top10), viaAllRecord: true}, nil
	}

	off := hashRangeOffset(top10)
	if hl, ok := db.heldHashRange[off]; ok {
		hl.refcount++
		return &lockGuard{db: db, kind: kindHashRange, key: off}, nil
	}

	lt := tfs.RangeLockShared
	if write {
		lt = tfs.RangeLockExclusive
	}
	if err := db.rangeLocker.Lock(lt, off, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLock, err)
	}

	db.heldHashRange[off] = &heldLock{refcount: 1, write: write}
	return &lockGuard{db: db, kind: kindHashRange, key: off}, nil
}

func (db *DB) releaseHashRangeLocked(off int64) error {
	hl, ok := db.heldHashRange[off]
	if !ok {
		return fmt.Errorf("%w: release of unheld hash range lock", ErrNesting)
	}
	hl.refcount--
	if hl.refcount > 0 {
		return nil
	}
	delete(db.heldHashRange, off)
	return db.rangeLocker.Unlock(off, 1)
}

// --- free bucket locks ---

// acquireFreeBucket locks the byte range for free-table bucket offset
// bOff. Per the documented open-question decision, this deliberately does
// NOT check whether the expansion lock is already held (the source's
// tdb_lock_free_bucket has this check #if 0'd out; behavior is preserved
// permissively rather than silently tightened).
func (db *DB) acquireFreeBucket(bOff int64, write bool) (*lockGuard, error) {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()

	if db.allRecord != nil {
		db.allRecord.refcount++
		return &lockGuard{db: db, kind: kindFreeBucket, key: bOff, viaAllRecord: true}, nil
	}

	off := freeBucketOffset(bOff)
	if hl, ok := db.heldFreeBucket[off]; ok {
		hl.refcount++
		return &lockGuard{db: db, kind: kindFreeBucket, key: off}, nil
	}

	lt := tfs.RangeLockShared
	if write {
		lt = tfs.RangeLockExclusive
	}
	if err := db.rangeLocker.Lock(lt, off, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLock, err)
	}

	db.heldFreeBucket[off] = &heldLock{refcount: 1, write: write}
	db.freeBucketHeld++
	return &lockGuard{db: db, kind: kindFreeBucket, key: off}, nil
}

func (db *DB) releaseFreeBucketLocked(off int64) error {
	hl, ok := db.heldFreeBucket[off]
	if !ok {
		return fmt.Errorf("%w: release of unheld free bucket lock", ErrNesting)
	}
	hl.refcount--
	if hl.refcount > 0 {
		return nil
	}
	delete(db.heldFreeBucket, off)
	db.freeBucketHeld--
	return db.rangeLocker.Unlock(off, 1)
}

// --- all-record lock, with binary-subdivision gradual acquisition ---

// acquireAllRecord acquires the lock covering the entire hash range and
// everything above it. Once held, it satisfies any hash-range or
// free-bucket request without a further kernel call. upgradable marks the
// lock so a later Upgrade call can switch it from read to write without a
// second logical acquisition.
func (db *DB) acquireAllRecord(write, upgradable bool) (*lockGuard, error) {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()

	if db.allRecord != nil {
		db.allRecord.refcount++
		return &lockGuard{db: db, kind: kindAllRecord}, nil
	}

	lt := tfs.RangeLockShared
	if write {
		lt = tfs.RangeLockExclusive
	}

	if err := db.rangeLocker.TryLock(lt, lockHashBase, allRecordLen); err != nil {
		if !errors.Is(err, tfs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %w", ErrLock, err)
		}
		if err := db.acquireGradual(lockHashBase, allRecordLen, lt); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLock, err)
		}
	}

	db.allRecord = &heldLock{refcount: 1, write: write, upgradable: upgradable}
	return &lockGuard{db: db, kind: kindAllRecord}, nil
}

// acquireGradual implements binary-subdivision gradual locking: try the
// whole range non-blocking; on contention, split the range in half and
// recurse on each half, so a single contended byte cannot stall
// acquisition of the rest of the range.
func (db *DB) acquireGradual(start, length int64, lt tfs.RangeLockType) error {
	if length <= 0 {
		return nil
	}

	err := db.rangeLocker.TryLock(lt, start, length)
	if err == nil {
		return nil
	}
	if !errors.Is(err, tfs.ErrWouldBlock) {
		return err
	}
	if length == 1 {
		return db.rangeLocker.Lock(lt, start, length)
	}

	half := length / 2
	if err := db.acquireGradual(start, half, lt); err != nil {
		return err
	}
	if err := db.acquireGradual(start+half, length-half, lt); err != nil {
		_ = db.rangeLocker.Unlock(start, half)
		return err
	}
	return nil
}

func (db *DB) releaseAllRecordLocked() error {
	if db.allRecord == nil {
		return fmt.Errorf("%w: release of unheld all-record lock", ErrNesting)
	}
	db.allRecord.refcount--
	if db.allRecord.refcount > 0 {
		return nil
	}
	db.allRecord = nil
	return db.rangeLocker.Unlock(lockHashBase, allRecordLen)
}

// upgradeAllRecord switches a held, upgradable all-record read lock to a
// write lock in place, retrying EDEADLK per spec.md §4.2's documented
// budget (handled inside RangeLocker.Upgrade).
func (db *DB) upgradeAllRecord() error {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()

	if db.allRecord == nil {
		return fmt.Errorf("%w: upgrade requested with no all-record lock held", ErrNesting)
	}
	if db.allRecord.write {
		return nil
	}
	if !db.allRecord.upgradable {
		return fmt.Errorf("%w: all-record lock was not taken as upgradable", ErrNesting)
	}

	if err := db.rangeLocker.Upgrade(lockHashBase, allRecordLen); err != nil {
		return fmt.Errorf("%w: %w", ErrLock, err)
	}
	db.allRecord.write = true
	return nil
}
