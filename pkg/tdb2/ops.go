package tdb2

import "fmt"

// Fetch returns a copy of the value stored under key, or ErrNoExist if it
// is not present.
func (db *DB) Fetch(key []byte) ([]byte, error) {
	lr, err := db.findAndLock(key, false)
	if err != nil {
		return nil, err
	}
	defer lr.guard.Release()

	if !lr.found {
		return nil, db.newError("Fetch", NoExist, Trace, nil)
	}

	val, err := db.readRecordValue(lr.offset, int(lr.hdr.keyLen), int(lr.hdr.dataLen))
	if err != nil {
		return nil, db.newError("Fetch", IOError, SevError, err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Exists reports whether key is present, without reading its value.
func (db *DB) Exists(key []byte) (bool, error) {
	lr, err := db.findAndLock(key, false)
	if err != nil {
		return false, err
	}
	defer lr.guard.Release()
	return lr.found, nil
}

// Store writes (key, val) per mode: Insert fails if key exists, Modify
// fails if it doesn't, Replace always succeeds.
func (db *DB) Store(key, val []byte, mode StoreMode) error {
	if err := db.checkWritable("Store"); err != nil {
		return err
	}
	if len(key) == 0 {
		return db.newError("Store", EInval, SevError, fmt.Errorf("key must not be empty"))
	}

	for {
		lr, err := db.findAndLock(key, true)
		if err != nil {
			return err
		}

		if lr.found {
			if mode == Insert {
				lr.guard.Release()
				return db.newError("Store", Exists, Trace, nil)
			}
			_, err := db.replaceInHash(lr, magicUsed, key, val)
			lr.guard.Release()
			return err
		}

		if mode == Modify {
			lr.guard.Release()
			return db.newError("Store", NoExist, Trace, nil)
		}

		if lr.needsExpand() {
			lr.guard.Release()
			if err := db.expandFor(lr); err != nil {
				return err
			}
			continue
		}

		_, err = db.insertAt(lr, magicUsed, key, val)
		lr.guard.Release()
		return err
	}
}

// Append concatenates suffix onto key's existing value, creating the key
// with suffix as its initial value if it does not exist yet.
func (db *DB) Append(key, suffix []byte) error {
	if err := db.checkWritable("Append"); err != nil {
		return err
	}
	if len(key) == 0 {
		return db.newError("Append", EInval, SevError, fmt.Errorf("key must not be empty"))
	}

	for {
		lr, err := db.findAndLock(key, true)
		if err != nil {
			return err
		}

		if lr.found {
			old, err := db.readRecordValue(lr.offset, int(lr.hdr.keyLen), int(lr.hdr.dataLen))
			if err != nil {
				lr.guard.Release()
				return db.newError("Append", IOError, SevError, err)
			}
			newVal := make([]byte, len(old)+len(suffix))
			copy(newVal, old)
			copy(newVal[len(old):], suffix)
			_, err = db.replaceInHash(lr, magicUsed, key, newVal)
			lr.guard.Release()
			return err
		}

		if lr.needsExpand() {
			lr.guard.Release()
			if err := db.expandFor(lr); err != nil {
				return err
			}
			continue
		}

		_, err = db.insertAt(lr, magicUsed, key, suffix)
		lr.guard.Release()
		return err
	}
}

// Delete removes key, returning ErrNoExist if it was not present.
func (db *DB) Delete(key []byte) error {
	if err := db.checkWritable("Delete"); err != nil {
		return err
	}

	lr, err := db.findAndLock(key, true)
	if err != nil {
		return err
	}
	defer lr.guard.Release()

	if !lr.found {
		return db.newError("Delete", NoExist, Trace, nil)
	}

	return db.deleteFromHash(lr)
}

// Traverse calls fn for every live key/value pair. fn should return 0 to
// continue, a negative value to stop early, or a positive value which is
// also treated as "stop" (matching the source's 0/1/negative callback
// convention). Traverse returns the number of records visited.
func (db *DB) Traverse(fn func(key, val []byte) int) (int, error) {
	it := newIterator(db)
	defer it.close()

	count := 0
	for {
		key, val, ok, err := it.next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		count++
		if fn(key, val) != 0 {
			return count, nil
		}
	}
}

// ChainLock acquires and holds the hash-range lock covering key's top-
// level bucket, for callers that want to perform several operations on
// related keys atomically. ChainUnlock releases it.
func (db *DB) ChainLock(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.chainLocks == nil {
		db.chainLocks = make(map[string]*lockGuard)
	}
	k := string(key)
	if _, ok := db.chainLocks[k]; ok {
		return db.newError("ChainLock", Nesting, SevError, fmt.Errorf("key is already chain-locked by this handle"))
	}

	hash := db.attrs.hashFn()(key, db.hashSeed)
	guard, err := db.acquireHashRange(topBitsOf(hash), true)
	if err != nil {
		return db.newError("ChainLock", LockError, SevError, err)
	}
	db.chainLocks[k] = guard
	return nil
}

// ChainUnlock releases a lock taken by ChainLock.
func (db *DB) ChainUnlock(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := string(key)
	guard, ok := db.chainLocks[k]
	if !ok {
		return db.newError("ChainUnlock", Nesting, SevError, fmt.Errorf("key is not chain-locked by this handle"))
	}
	delete(db.chainLocks, k)
	return guard.Release()
}
