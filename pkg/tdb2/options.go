package tdb2

// OpenFlags controls how Open interprets and accesses the backing file.
type OpenFlags uint32

const (
	// ReadWrite opens the database for both reading and writing. Without
	// it, Open behaves as ReadOnly.
	ReadWrite OpenFlags = 1 << iota

	// ReadOnly opens the database read-only. Store/Delete/Append/
	// transaction operations fail with RdOnly. This is the default when
	// ReadWrite is not set.
	ReadOnly

	// Convert marks the file as big-endian on disk. Without it, multi-byte
	// fields are native (little-endian on every platform this module
	// targets).
	Convert

	// NoMMap disables the mmap accessor and forces pread/pwrite for all
	// access, useful on filesystems where mmap is unreliable or for tests
	// that want deterministic short reads.
	NoMMap

	// NoLock is recorded on the handle but does not change locking: every
	// operation still takes its fcntl range locks whether or not it is set.
	NoLock
)

func (f OpenFlags) writable() bool  { return f&ReadWrite != 0 }
func (f OpenFlags) convert() bool   { return f&Convert != 0 }
func (f OpenFlags) noMMap() bool    { return f&NoMMap != 0 }
func (f OpenFlags) noLock() bool    { return f&NoLock != 0 }

// StoreMode selects the semantics of Store.
type StoreMode int

const (
	// Insert fails with Exists if the key is already present.
	Insert StoreMode = iota
	// Modify fails with NoExist if the key is not already present.
	Modify
	// Replace inserts or overwrites unconditionally.
	Replace
)

// StatsSink receives engine counters. A nil Stats field in Attrs disables
// all counting (every call site nil-checks before incrementing).
type StatsSink interface {
	IncLookup()
	IncInsert()
	IncExpand()
	IncCoalesce()
}

// Attrs configures a DB at Open time.
type Attrs struct {
	// Log receives every error the engine records on the handle (the same
	// errors Err reports), whether or not it is finally returned to the
	// caller. Errors Open returns before the handle exists, and lock-layer
	// errors returned unwrapped, are not passed to Log.
	Log func(kind ErrorKind, severity Severity, msg string)

	// HashFn overrides the default seeded hash function. Must be
	// deterministic given the same seed, since the header records
	// hash_test at creation time and validates it at every open.
	HashFn func(data []byte, seed uint64) uint64

	// HashSeed pins the seed used at creation time for reproducible tests.
	// Ignored when opening an existing file (the stored seed is used).
	HashSeed *uint64

	// Stats receives engine counters. May be nil.
	Stats StatsSink
}

func (a *Attrs) hashFn() func([]byte, uint64) uint64 {
	if a != nil && a.HashFn != nil {
		return a.HashFn
	}
	return jenkinsHash64
}

// SummaryFlags selects which histograms Summary includes in its report.
type SummaryFlags uint32

const (
	SummaryHash SummaryFlags = 1 << iota
	SummaryFree
	SummaryAll = SummaryHash | SummaryFree
)
