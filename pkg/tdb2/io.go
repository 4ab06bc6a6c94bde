package tdb2

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// accessor is the IO method-table indirection spec.md §9 calls for: the
// transaction layer installs a buffered implementation over the same
// interface so call sites are identical whether or not a transaction is
// active.
type accessor interface {
	// readAt returns n bytes at off. The mmap implementation returns a
	// slice directly into the mapping (valid until the next mutation or
	// remap); the pread implementation returns a heap copy. Callers that
	// need a stable copy across mutations should copy it themselves.
	readAt(off int64, n int) ([]byte, error)
	writeAt(off int64, b []byte) error
	zeroAt(off int64, n int) error
	size() int64
	// ensure grows the backing file (and remaps, for mmap) so that
	// [off, off+n) is addressable.
	ensure(off int64, n int) error
	// truncate shrinks (or grows) the backing file to exactly size bytes,
	// remapping for mmap. Used only by recovery replay, which restores the
	// pre-transaction file length, or the end of the recovery area when
	// that lies further out.
	truncate(size int64) error
	sync() error
	close() error
}

const writeGranularity = 4096 // the "natural write granularity" of spec.md §4.5

func alignDown(off int64, gran int64) int64 { return off &^ (gran - 1) }

// --- mmap accessor ---

type mmapAccessor struct {
	fd       int
	data     []byte
	fileSize int64
	writable bool
}

func newMmapAccessor(fd int, writable bool) (*mmapAccessor, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}

	a := &mmapAccessor{fd: fd, fileSize: st.Size, writable: writable}
	if st.Size > 0 {
		if err := a.mmap(st.Size); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *mmapAccessor) mmap(size int64) error {
	prot := unix.PROT_READ
	if a.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(a.fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	a.data = data
	a.fileSize = size
	return nil
}

func (a *mmapAccessor) remap(newSize int64) error {
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		a.data = nil
	}
	return a.mmap(newSize)
}

func (a *mmapAccessor) size() int64 { return a.fileSize }

func (a *mmapAccessor) ensure(off int64, n int) error {
	need := off + int64(n)
	if need <= a.fileSize {
		return nil
	}
	if !a.writable {
		return fmt.Errorf("ensure: %w: read-only accessor cannot extend file", ErrReadOnly)
	}
	if err := unix.Ftruncate(a.fd, need); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	return a.remap(need)
}

func (a *mmapAccessor) truncate(size int64) error {
	if err := unix.Ftruncate(a.fd, size); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		a.data = nil
	}
	a.fileSize = size
	if size > 0 {
		return a.mmap(size)
	}
	return nil
}

func (a *mmapAccessor) readAt(off int64, n int) ([]byte, error) {
	if off < 0 || off+int64(n) > a.fileSize {
		return nil, fmt.Errorf("readAt: %w: out of bounds", ErrIO)
	}
	return a.data[off : off+int64(n)], nil
}

func (a *mmapAccessor) writeAt(off int64, b []byte) error {
	if !a.writable {
		return fmt.Errorf("writeAt: %w", ErrReadOnly)
	}
	if off < 0 || off+int64(len(b)) > a.fileSize {
		return fmt.Errorf("writeAt: %w: out of bounds", ErrIO)
	}
	copy(a.data[off:], b)
	return nil
}

func (a *mmapAccessor) zeroAt(off int64, n int) error {
	if off < 0 || off+int64(n) > a.fileSize {
		return fmt.Errorf("zeroAt: %w: out of bounds", ErrIO)
	}
	clear(a.data[off : off+int64(n)])
	return nil
}

func (a *mmapAccessor) sync() error {
	if a.data == nil {
		return nil
	}
	return unix.Msync(a.data, unix.MS_SYNC)
}

func (a *mmapAccessor) close() error {
	if a.data != nil {
		err := unix.Munmap(a.data)
		a.data = nil
		return err
	}
	return nil
}

// --- pread/pwrite accessor, used when NoMMap is set ---

type pwriteAccessor struct {
	f        *os.File
	fileSize int64
	writable bool
}

func newPwriteAccessor(f *os.File, writable bool) (*pwriteAccessor, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	return &pwriteAccessor{f: f, fileSize: st.Size(), writable: writable}, nil
}

func (a *pwriteAccessor) size() int64 { return a.fileSize }

func (a *pwriteAccessor) ensure(off int64, n int) error {
	need := off + int64(n)
	if need <= a.fileSize {
		return nil
	}
	if !a.writable {
		return fmt.Errorf("ensure: %w: read-only accessor cannot extend file", ErrReadOnly)
	}
	if err := a.f.Truncate(need); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	a.fileSize = need
	return nil
}

func (a *pwriteAccessor) truncate(size int64) error {
	if err := a.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	a.fileSize = size
	return nil
}

func (a *pwriteAccessor) readAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := a.f.ReadAt(buf[read:], off+int64(read))
		read += m
		if err != nil {
			if isRetryable(err) && m == 0 {
				continue
			}
			return nil, fmt.Errorf("pread: %w: %w", ErrIO, err)
		}
	}
	return buf, nil
}

func (a *pwriteAccessor) writeAt(off int64, b []byte) error {
	if !a.writable {
		return fmt.Errorf("writeAt: %w", ErrReadOnly)
	}
	written := 0
	for written < len(b) {
		n, err := a.f.WriteAt(b[written:], off+int64(written))
		written += n
		if err != nil {
			if isRetryable(err) && n == 0 {
				continue
			}
			return fmt.Errorf("pwrite: %w: %w", ErrIO, err)
		}
		if n == 0 {
			return fmt.Errorf("pwrite: %w: no forward progress", ErrIO)
		}
	}
	return nil
}

func (a *pwriteAccessor) zeroAt(off int64, n int) error {
	return a.writeAt(off, make([]byte, n))
}

func (a *pwriteAccessor) sync() error {
	return a.f.Sync()
}

func (a *pwriteAccessor) close() error {
	return nil // the DB owns closing the underlying *os.File
}

func isRetryable(err error) bool {
	return err == unix.EINTR || err == unix.EAGAIN
}

// --- endian-aware scalar helpers, shared by both accessor kinds ---

func (db *DB) readOff(off int64) (uint64, error) {
	b, err := db.acc.readAt(off, 8)
	if err != nil {
		return 0, err
	}
	return db.order.Uint64(b), nil
}

func (db *DB) writeOff(off int64, v uint64) error {
	var b [8]byte
	db.order.PutUint64(b[:], v)
	return db.acc.writeAt(off, b[:])
}

func (db *DB) readUint64s(off int64, n int) ([]uint64, error) {
	raw, err := db.acc.readAt(off, n*8)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = db.order.Uint64(raw[i*8:])
	}
	return out, nil
}

func (db *DB) writeUint64s(off int64, vals []uint64) error {
	buf := make([]byte, len(vals)*8)
	for i, v := range vals {
		db.order.PutUint64(buf[i*8:], v)
	}
	return db.acc.writeAt(off, buf)
}
