package tdb2

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	tfs "github.com/calvinalkan/tdb2/internal/fs"
)

// DB is an open handle to a TDB2 file. A DB is not safe for concurrent
// use by multiple goroutines without external synchronization beyond what
// its own locking layer provides for cross-process coordination; callers
// running multiple goroutines against one handle must still serialize
// their own calls (spec.md §5: "re-entrant only at the granularity of
// independent handles").
type DB struct {
	file  *os.File
	path  string
	flags OpenFlags
	order binary.ByteOrder
	acc   accessor

	attrs   Attrs
	id      fileIdentity
	noLock  bool
	closed  bool

	rangeLocker *tfs.RangeLocker

	lockMu         sync.Mutex
	heldSingleton  map[int64]*heldLock
	heldHashRange  map[int64]*heldLock
	heldFreeBucket map[int64]*heldLock
	allRecord      *heldLock
	expansionHeld  int
	freeBucketHeld int

	mu      sync.Mutex
	lastErr *Error

	// cached header fields
	hashSeed    uint64
	freeTable   int64
	recovery    int64
	recoveryCap int64 // capacity of the recovery area, cached from its own header once read

	txn *transaction

	chainLocks map[string]*lockGuard
}

// Open opens or creates a TDB2 file at path.
func Open(path string, flags OpenFlags, mode os.FileMode, attrs *Attrs) (*DB, error) {
	var a Attrs
	if attrs != nil {
		a = *attrs
	}

	osFlags := os.O_RDONLY
	if flags.writable() {
		osFlags = os.O_RDWR
	}

	f, err := os.OpenFile(path, osFlags, mode)
	created := false
	if errors.Is(err, os.ErrNotExist) {
		if !flags.writable() {
			return nil, &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
		}
		if cerr := createNewFile(path, mode, &a); cerr != nil {
			return nil, cerr
		}
		f, err = os.OpenFile(path, os.O_RDWR, mode)
		created = true
	}
	if err != nil {
		return nil, &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	id := fileIdentity{dev: uint64(st.Dev), ino: st.Ino}

	if err := registry.register(id); err != nil {
		f.Close()
		return nil, &Error{Kind: EInval, Severity: SevError, Op: "Open", Err: err}
	}

	db := &DB{
		file:           f,
		path:           path,
		flags:          flags,
		order:          byteOrderFor(flags),
		attrs:          a,
		id:             id,
		noLock:         flags.noLock(),
		heldSingleton:  make(map[int64]*heldLock),
		heldHashRange:  make(map[int64]*heldLock),
		heldFreeBucket: make(map[int64]*heldLock),
	}
	db.rangeLocker = tfs.NewRangeLocker(f)

	if flags.noMMap() {
		pa, err := newPwriteAccessor(f, flags.writable())
		if err != nil {
			registry.unregister(id)
			f.Close()
			return nil, db.newError("Open", IOError, SevError, err)
		}
		db.acc = pa
	} else {
		ma, err := newMmapAccessor(int(f.Fd()), flags.writable())
		if err != nil {
			registry.unregister(id)
			f.Close()
			return nil, db.newError("Open", IOError, SevError, err)
		}
		db.acc = ma
	}

	if !created {
		if err := db.validateAndLoadHeader(); err != nil {
			db.acc.close()
			registry.unregister(id)
			f.Close()
			return nil, err
		}
	} else {
		if err := db.loadHeader(); err != nil {
			db.acc.close()
			registry.unregister(id)
			f.Close()
			return nil, err
		}
	}

	if err := db.recoverIfNeeded(); err != nil {
		db.acc.close()
		registry.unregister(id)
		f.Close()
		return nil, err
	}

	return db, nil
}

// createNewFile lays down a fresh header and an initial free table +
// single free record spanning the rest of the file, via temp-file+rename
// so a concurrent opener never observes a partially-written file -
// grounded on pkg/slotcache's createNewCache and the teacher's own
// natefinch/atomic-based atomic file creation.
func createNewFile(path string, mode os.FileMode, attrs *Attrs) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tdb2-tmp-*")
	if err != nil {
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	seed := randomSeed()
	if attrs.HashSeed != nil {
		seed = *attrs.HashSeed
	}
	hashFn := attrs.hashFn()

	order := binary.LittleEndian // new files are always native-endian at creation

	const initialFreeLen = 1 << 20 // 1 MiB of initial free space past the header

	totalSize := int64(headerSize) + usedRecordHeaderSize + ftableDataSize + freeRecordHeaderSize + initialFreeLen

	buf := make([]byte, headerSize)
	copy(buf[offMagic:], fileMagic[:])
	order.PutUint64(buf[offVersion:], currentVersion)
	order.PutUint64(buf[offHashTest:], computeHashTest(hashFn, seed))
	order.PutUint64(buf[offHashSeed:], seed)
	order.PutUint64(buf[offFreeTable:], uint64(headerSize))
	order.PutUint64(buf[offRecovery:], 0)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}

	// Free table record (magic FTABLE), immediately after the header.
	ftableOff := int64(headerSize)
	w1, w2 := encodeUsedHeader(magicFTable, 0, ftableDataSize, 0, 0)
	ftableHdr := make([]byte, usedRecordHeaderSize+ftableDataSize)
	order.PutUint64(ftableHdr[0:], w1)
	order.PutUint64(ftableHdr[8:], w2)
	// next = 0, buckets all zero except the bucket for the initial free record.
	freeOff := ftableOff + usedRecordHeaderSize + ftableDataSize
	bucket := sizeToBucket(initialFreeLen)
	bucketsStart := usedRecordHeaderSize + 8
	order.PutUint64(ftableHdr[bucketsStart+int(bucket)*8:], uint64(freeOff))

	if _, err := tmp.WriteAt(ftableHdr, ftableOff); err != nil {
		tmp.Close()
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}

	fw1, fw2, fw3 := encodeFreeHeader(freeHeader{ftableIdx: uint8(bucket), prevOff: 0, length: uint64(initialFreeLen), next: 0})
	freeHdr := make([]byte, freeRecordHeaderSize)
	order.PutUint64(freeHdr[0:], fw1)
	order.PutUint64(freeHdr[8:], fw2)
	order.PutUint64(freeHdr[16:], fw3)
	if _, err := tmp.WriteAt(freeHdr, freeOff); err != nil {
		tmp.Close()
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}

	if err := tmp.Truncate(totalSize); err != nil {
		tmp.Close()
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &Error{Kind: IOError, Severity: SevError, Op: "Open", Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	return nil
}

func randomSeed() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// loadHeader reads the header fields into the DB's cache without
// validating magic/version (used right after creation, when we already
// know the content we just wrote).
func (db *DB) loadHeader() error {
	raw, err := db.acc.readAt(0, headerSize)
	if err != nil {
		return db.newError("Open", IOError, SevError, err)
	}
	db.hashSeed = db.order.Uint64(raw[offHashSeed:])
	db.freeTable = int64(db.order.Uint64(raw[offFreeTable:]))
	db.recovery = int64(db.order.Uint64(raw[offRecovery:]))
	return nil
}

// validateAndLoadHeader validates an existing file's header against the
// expected magic, version, and hash_test before trusting it.
func (db *DB) validateAndLoadHeader() error {
	raw, err := db.acc.readAt(0, headerSize)
	if err != nil {
		return db.newError("Open", IOError, SevError, err)
	}

	if string(raw[offMagic:offMagic+fileMagicSize]) != string(fileMagic[:]) {
		return db.newError("Open", Corrupt, Fatal, fmt.Errorf("bad file magic"))
	}
	version := db.order.Uint64(raw[offVersion:])
	if version != currentVersion {
		return db.newError("Open", Corrupt, Fatal, fmt.Errorf("unsupported version %d", version))
	}

	seed := db.order.Uint64(raw[offHashSeed:])
	wantHashTest := db.order.Uint64(raw[offHashTest:])
	gotHashTest := computeHashTest(db.attrs.hashFn(), seed)
	if wantHashTest != gotHashTest {
		return db.newError("Open", Corrupt, Fatal, fmt.Errorf("hash function mismatch: stored hash_test does not match configured hash function"))
	}

	db.hashSeed = seed
	db.freeTable = int64(db.order.Uint64(raw[offFreeTable:]))
	db.recovery = int64(db.order.Uint64(raw[offRecovery:]))
	return nil
}

// Close releases all resources associated with db. It is an error to call
// any other method on db afterward.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.txn != nil {
		_ = db.Cancel()
	}

	var errs []error
	if err := db.acc.close(); err != nil {
		errs = append(errs, err)
	}
	registry.unregister(db.id)
	if err := db.file.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return db.newError("Close", IOError, SevError, errors.Join(errs...))
	}
	return nil
}

// Err returns the last error recorded on db, or nil if none has occurred.
func (db *DB) Err() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastErr
}

func (db *DB) checkWritable(op string) error {
	if !db.flags.writable() {
		return db.newError(op, RdOnly, SevError, nil)
	}
	return nil
}
