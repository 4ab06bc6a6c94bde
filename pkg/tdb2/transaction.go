package tdb2

import (
	"fmt"
	"sort"
)

// transaction is a process-local write buffer plus a log of original-
// content snapshots, installed as db.acc for the duration of the
// transaction so every call site (hash, alloc, header) reads and writes
// through it identically whether or not a transaction is active -
// spec.md §9's "IO method indirection".
type transaction struct {
	db  *DB
	under accessor // the real accessor fronted by this buffer

	txnGuard *lockGuard
	allGuard *lockGuard

	origSize    int64
	currentSize int64

	order []int64          // page offsets in first-touched order
	pages map[int64][]byte // original content, only for pages that existed at origSize
	dirty map[int64][]byte // current buffered content, one full-granularity slice per touched page

	prepared bool
	recOff   int64
}

// TransactionStart begins a transaction on db. Only one transaction may
// be open on a handle at a time; the transaction singleton lock serializes
// transactions across processes.
func (db *DB) TransactionStart() error {
	if err := db.checkWritable("TransactionStart"); err != nil {
		return err
	}
	if db.txn != nil {
		return db.newError("TransactionStart", Nesting, SevError, fmt.Errorf("a transaction is already open on this handle"))
	}

	txnGuard, err := db.acquireSingleton(lockTransactionOffset, true)
	if err != nil {
		return db.newError("TransactionStart", LockError, SevError, err)
	}

	allGuard, err := db.acquireAllRecord(false, true)
	if err != nil {
		txnGuard.Release()
		return db.newError("TransactionStart", LockError, SevError, err)
	}

	size := db.acc.size()
	t := &transaction{
		db:          db,
		under:       db.acc,
		txnGuard:    txnGuard,
		allGuard:    allGuard,
		origSize:    size,
		currentSize: size,
		pages:       make(map[int64][]byte),
		dirty:       make(map[int64][]byte),
	}
	db.txn = t
	db.acc = t
	return nil
}

func (t *transaction) capturePage(pageOff int64) []byte {
	if d, ok := t.dirty[pageOff]; ok {
		return d
	}

	buf := make([]byte, writeGranularity)
	if pageOff < t.under.size() {
		n := writeGranularity
		if pageOff+int64(n) > t.under.size() {
			n = int(t.under.size() - pageOff)
		}
		if n > 0 {
			raw, err := t.under.readAt(pageOff, n)
			if err == nil {
				copy(buf, raw)
			}
		}
	}

	if pageOff < t.origSize {
		snapLen := writeGranularity
		if pageOff+int64(snapLen) > t.origSize {
			snapLen = int(t.origSize - pageOff)
		}
		snap := make([]byte, snapLen)
		copy(snap, buf[:snapLen])
		t.pages[pageOff] = snap
	}

	t.dirty[pageOff] = buf
	t.order = append(t.order, pageOff)
	return buf
}

func (t *transaction) readAt(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > t.currentSize {
		return nil, fmt.Errorf("readAt: %w: out of bounds", ErrIO)
	}
	out := make([]byte, n)
	remaining := n
	cur := off
	pos := 0
	for remaining > 0 {
		page := alignDown(cur, writeGranularity)
		localOff := int(cur - page)
		avail := writeGranularity - localOff
		take := remaining
		if take > avail {
			take = avail
		}

		if buf, ok := t.dirty[page]; ok {
			copy(out[pos:pos+take], buf[localOff:localOff+take])
		} else if cur < t.under.size() {
			n2 := take
			if cur+int64(n2) > t.under.size() {
				n2 = int(t.under.size() - cur)
			}
			if n2 > 0 {
				raw, err := t.under.readAt(cur, n2)
				if err != nil {
					return nil, err
				}
				copy(out[pos:pos+n2], raw)
			}
		}

		cur += int64(take)
		pos += take
		remaining -= take
	}
	return out, nil
}

func (t *transaction) writeAt(off int64, b []byte) error {
	if off < 0 || off+int64(len(b)) > t.currentSize {
		return fmt.Errorf("writeAt: %w: out of bounds", ErrIO)
	}
	remaining := len(b)
	cur := off
	pos := 0
	for remaining > 0 {
		page := alignDown(cur, writeGranularity)
		localOff := int(cur - page)
		avail := writeGranularity - localOff
		take := remaining
		if take > avail {
			take = avail
		}

		buf := t.capturePage(page)
		copy(buf[localOff:localOff+take], b[pos:pos+take])

		cur += int64(take)
		pos += take
		remaining -= take
	}
	return nil
}

func (t *transaction) zeroAt(off int64, n int) error {
	return t.writeAt(off, make([]byte, n))
}

func (t *transaction) size() int64 { return t.currentSize }

func (t *transaction) ensure(off int64, n int) error {
	need := off + int64(n)
	if need <= t.currentSize {
		return nil
	}
	if err := t.under.ensure(need, 0); err != nil {
		return err
	}
	t.currentSize = need
	return nil
}

func (t *transaction) truncate(size int64) error {
	if err := t.under.truncate(size); err != nil {
		return err
	}
	t.currentSize = size
	return nil
}

func (t *transaction) sync() error { return nil } // real fsyncs happen explicitly at prepare/commit

func (t *transaction) close() error { return nil }

// PrepareCommit upgrades to an all-record write lock and durably records
// the transaction's touched-page originals in the embedded recovery area,
// flipping its magic to the valid marker only after the triples are
// fsynced - spec.md §4.5 step 3.
func (db *DB) PrepareCommit() error {
	t := db.txn
	if t == nil {
		return db.newError("PrepareCommit", Nesting, SevError, fmt.Errorf("no transaction is open"))
	}
	if t.prepared {
		return nil
	}

	if err := db.upgradeAllRecord(); err != nil {
		return db.newError("PrepareCommit", LockError, SevError, err)
	}

	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })

	var total int64
	for _, off := range t.order {
		if snap, ok := t.pages[off]; ok {
			total += 16 + int64(len(snap)) // offset(8) + length(8) + bytes
		}
	}

	if err := db.ensureRecoveryArea(total); err != nil {
		return db.newError("PrepareCommit", IOError, SevError, err)
	}

	buf := make([]byte, recoveryHeaderSize+total)
	copy(buf[0:], recoveryInvalidMagic[:])
	pos := recoveryHeaderSize
	for _, off := range t.order {
		snap, ok := t.pages[off]
		if !ok {
			continue
		}
		db.order.PutUint64(buf[pos:], uint64(off))
		db.order.PutUint64(buf[pos+8:], uint64(len(snap)))
		copy(buf[pos+16:], snap)
		pos += 16 + len(snap)
	}

	// maxLen: capacity of the recovery area (persisted so later opens know
	// how much space is already reserved without consulting the allocator).
	maxLen := db.recoveryCap
	db.order.PutUint64(buf[recoveryMagicSize:], uint64(maxLen))
	db.order.PutUint64(buf[recoveryMagicSize+8:], uint64(total))
	db.order.PutUint64(buf[recoveryMagicSize+16:], uint64(t.origSize))

	if err := t.under.writeAt(t.recOff, buf); err != nil {
		return db.newError("PrepareCommit", IOError, SevError, err)
	}
	if err := t.under.sync(); err != nil {
		return db.newError("PrepareCommit", IOError, SevError, err)
	}

	if err := t.under.writeAt(t.recOff, recoveryValidMagic[:]); err != nil {
		return db.newError("PrepareCommit", IOError, SevError, err)
	}
	if err := t.under.sync(); err != nil {
		return db.newError("PrepareCommit", IOError, SevError, err)
	}

	t.prepared = true
	return nil
}

// ensureRecoveryArea makes sure the embedded recovery area has room for
// `need` bytes of triples (plus its own header), allocating or extending
// it at end-of-file directly through the real accessor - recovery
// bookkeeping must never itself be captured by the transaction buffer it
// protects.
func (db *DB) ensureRecoveryArea(need int64) error {
	t := db.txn
	want := recoveryHeaderSize + need

	if db.recovery != 0 && db.recoveryCap >= need {
		t.recOff = db.recovery
		return nil
	}

	off := t.under.size()
	if err := t.under.ensure(off, int(want)); err != nil {
		return err
	}
	t.currentSize = t.under.size()

	db.recovery = off
	db.recoveryCap = need
	t.recOff = off

	var hdr [8]byte
	db.order.PutUint64(hdr[:], uint64(off))
	if err := t.under.writeAt(offRecovery, hdr[:]); err != nil {
		return err
	}
	return nil
}

// Commit writes the transaction's buffered pages to their real offsets,
// fsyncs, then invalidates the recovery record - spec.md §4.5 step 4.
func (db *DB) Commit() error {
	t := db.txn
	if t == nil {
		return db.newError("Commit", Nesting, SevError, fmt.Errorf("no transaction is open"))
	}
	if !t.prepared {
		if err := db.PrepareCommit(); err != nil {
			return err
		}
	}

	for _, off := range t.order {
		buf := t.dirty[off]
		n := len(buf)
		if off+int64(n) > t.currentSize {
			n = int(t.currentSize - off)
		}
		if n <= 0 {
			continue
		}
		if err := t.under.writeAt(off, buf[:n]); err != nil {
			return db.newError("Commit", IOError, SevError, err)
		}
	}

	if err := t.under.sync(); err != nil {
		return db.newError("Commit", IOError, SevError, err)
	}

	if err := t.under.writeAt(t.recOff, recoveryInvalidMagic[:]); err != nil {
		return db.newError("Commit", IOError, SevError, err)
	}
	if err := t.under.sync(); err != nil {
		return db.newError("Commit", IOError, SevError, err)
	}

	return db.finishTransaction()
}

// Cancel discards the transaction's buffered writes and releases its
// locks. If a recovery record was already flagged valid, its triples are
// original bytes identical to the (unmodified) file, so invalidating it
// is a safety cleanup rather than a correctness requirement.
func (db *DB) Cancel() error {
	t := db.txn
	if t == nil {
		return nil
	}

	if t.prepared {
		_ = t.under.writeAt(t.recOff, recoveryInvalidMagic[:])
		_ = t.under.sync()
	}

	return db.finishTransaction()
}

func (db *DB) finishTransaction() error {
	t := db.txn
	db.acc = t.under
	db.txn = nil

	var err error
	if e := t.allGuard.Release(); e != nil {
		err = e
	}
	if e := t.txnGuard.Release(); e != nil {
		err = e
	}
	if err != nil {
		return db.newError("Cancel", LockError, SevError, err)
	}
	return nil
}

// recoverIfNeeded replays the embedded recovery area if it is marked
// valid, meaning a prior process prepared a commit but crashed before (or
// during) writing it out - spec.md §4.5 "Recovery".
func (db *DB) recoverIfNeeded() error {
	if db.recovery == 0 {
		return nil
	}
	if !db.flags.writable() {
		return nil
	}

	raw, err := db.acc.readAt(db.recovery, recoveryHeaderSize)
	if err != nil {
		return db.newError("recoverIfNeeded", IOError, SevError, err)
	}

	var magic [recoveryMagicSize]byte
	copy(magic[:], raw[0:recoveryMagicSize])
	if magic != recoveryValidMagic {
		db.recoveryCap = int64(db.order.Uint64(raw[recoveryMagicSize:]))
		return nil
	}

	maxLen := int64(db.order.Uint64(raw[recoveryMagicSize:]))
	length := int64(db.order.Uint64(raw[recoveryMagicSize+8:]))
	eof := int64(db.order.Uint64(raw[recoveryMagicSize+16:]))
	db.recoveryCap = maxLen

	if length < 0 || length > maxLen {
		return db.newError("recoverIfNeeded", Corrupt, Fatal, fmt.Errorf("recovery record length %d exceeds capacity %d", length, maxLen))
	}

	allGuard, err := db.acquireAllRecord(true, false)
	if err != nil {
		return db.newError("recoverIfNeeded", LockError, SevError, err)
	}
	defer allGuard.Release()

	triples, err := db.acc.readAt(db.recovery+recoveryHeaderSize, int(length))
	if err != nil {
		return db.newError("recoverIfNeeded", IOError, SevError, err)
	}

	pos := 0
	for pos < len(triples) {
		if pos+16 > len(triples) {
			return db.newError("recoverIfNeeded", Corrupt, Fatal, fmt.Errorf("truncated recovery triple"))
		}
		off := int64(db.order.Uint64(triples[pos:]))
		l := int64(db.order.Uint64(triples[pos+8:]))
		pos += 16
		if pos+int(l) > len(triples) {
			return db.newError("recoverIfNeeded", Corrupt, Fatal, fmt.Errorf("truncated recovery triple payload"))
		}
		if err := db.acc.writeAt(off, triples[pos:pos+int(l)]); err != nil {
			return db.newError("recoverIfNeeded", IOError, SevError, err)
		}
		pos += int(l)
	}

	// The recovery area is appended at end-of-file, so it can lie past
	// eof; keep the file long enough to hold it so its magic can be
	// invalidated below.
	if areaEnd := db.recovery + recoveryHeaderSize + maxLen; areaEnd > eof {
		eof = areaEnd
	}

	if err := db.acc.truncate(eof); err != nil {
		return db.newError("recoverIfNeeded", IOError, SevError, err)
	}
	if err := db.acc.sync(); err != nil {
		return db.newError("recoverIfNeeded", IOError, SevError, err)
	}

	if err := db.acc.writeAt(db.recovery, recoveryInvalidMagic[:]); err != nil {
		return db.newError("recoverIfNeeded", IOError, SevError, err)
	}
	if err := db.acc.sync(); err != nil {
		return db.newError("recoverIfNeeded", IOError, SevError, err)
	}

	return nil
}
