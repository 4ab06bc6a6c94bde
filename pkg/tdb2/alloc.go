package tdb2

import (
	"fmt"
	"math/bits"
)

// sizeToBucket maps a data payload length to the free-table bucket whose
// size class is [2^i, 2^(i+1)). It is monotonic non-decreasing and
// deterministic (P9).
func sizeToBucket(n int64) int {
	if n < 1 {
		return 0
	}
	b := bits.Len64(uint64(n)) - 1
	if b >= freeBuckets {
		b = freeBuckets - 1
	}
	return b
}

// isUsedMagic reports whether the top 16 bits of a record's first header
// word identify one of the four used-record magics. Free records carry no
// magic of their own (spec.md §3 packs the free header's first word as
// purely ftable-index + prev-offset, leaving no bits free for one); a
// block is therefore free precisely when it is reachable from a
// free-table bucket list and its header does not read as a used-record
// magic. This structural test stands in for a literal "magic == FREE"
// check of P3.
func isUsedMagic(w1 uint64) bool {
	m := uint16(w1 >> 48)
	return m == magicUsed || m == magicHTable || m == magicChain || m == magicFTable
}

func (db *DB) readFreeRecord(off int64) (freeHeader, error) {
	raw, err := db.acc.readAt(off, freeRecordHeaderSize)
	if err != nil {
		return freeHeader{}, err
	}
	w1 := db.order.Uint64(raw[0:])
	w2 := db.order.Uint64(raw[8:])
	w3 := db.order.Uint64(raw[16:])
	return decodeFreeHeader(w1, w2, w3), nil
}

func (db *DB) writeFreeRecord(off int64, h freeHeader) error {
	w1, w2, w3 := encodeFreeHeader(h)
	var buf [freeRecordHeaderSize]byte
	db.order.PutUint64(buf[0:], w1)
	db.order.PutUint64(buf[8:], w2)
	db.order.PutUint64(buf[16:], w3)
	return db.acc.writeAt(off, buf[:])
}

func (db *DB) readFTableNext(tableOff int64) (int64, error) {
	v, err := db.readOff(tableOff + usedRecordHeaderSize)
	return int64(v), err
}

func (db *DB) readFTableBucketHead(tableOff int64, bucket int) (int64, error) {
	off := tableOff + usedRecordHeaderSize + 8 + int64(bucket)*8
	v, err := db.readOff(off)
	return int64(v), err
}

func (db *DB) writeFTableBucketHead(tableOff int64, bucket int, recOff int64) error {
	off := tableOff + usedRecordHeaderSize + 8 + int64(bucket)*8
	return db.writeOff(off, uint64(recOff))
}

// linkFreeRecordHead pushes recOff onto the head of tableOff's bucket
// list, updating the neighbor's prev pointer and the table's bucket head.
func (db *DB) linkFreeRecordHead(tableOff int64, bucket int, recOff int64, length int64) error {
	head, err := db.readFTableBucketHead(tableOff, bucket)
	if err != nil {
		return err
	}

	if err := db.writeFreeRecord(recOff, freeHeader{ftableIdx: uint8(bucket), prevOff: 0, length: uint64(length), next: uint64(head)}); err != nil {
		return err
	}

	if head != 0 {
		headRec, err := db.readFreeRecord(head)
		if err != nil {
			return err
		}
		headRec.prevOff = uint64(recOff)
		if err := db.writeFreeRecord(head, headRec); err != nil {
			return err
		}
	}

	return db.writeFTableBucketHead(tableOff, bucket, recOff)
}

// unlinkFreeRecord removes recOff from tableOff's bucket list.
func (db *DB) unlinkFreeRecord(tableOff int64, bucket int, recOff int64) error {
	rec, err := db.readFreeRecord(recOff)
	if err != nil {
		return err
	}

	if rec.prevOff == 0 {
		if err := db.writeFTableBucketHead(tableOff, bucket, int64(rec.next)); err != nil {
			return err
		}
	} else {
		prev, err := db.readFreeRecord(int64(rec.prevOff))
		if err != nil {
			return err
		}
		prev.next = rec.next
		if err := db.writeFreeRecord(int64(rec.prevOff), prev); err != nil {
			return err
		}
	}

	if rec.next != 0 {
		next, err := db.readFreeRecord(int64(rec.next))
		if err != nil {
			return err
		}
		next.prevOff = rec.prevOff
		if err := db.writeFreeRecord(int64(rec.next), next); err != nil {
			return err
		}
	}

	return nil
}

// allocateBlock finds or creates a block able to hold `needed` payload
// bytes and returns its offset plus the extra padding bytes left over
// when the remainder was too small to stand on its own as a free record.
// The caller is responsible for stamping the used-record header (magic,
// key/data lengths, hash) and writing the payload - the allocator only
// deals in raw byte capacity, not record contents. Callers may hold a
// hash-range lock (insertAt, replaceInHash and expandGroup all do);
// allocation takes free-bucket locks and, when the file must grow, the
// expansion and all-record locks.
func (db *DB) allocateBlock(needed int64) (offset, extraPadding int64, err error) {
	startBucket := sizeToBucket(needed)

	for attempt := 0; attempt < 2; attempt++ {
		off, pad, err := db.findFit(startBucket, needed)
		if err != nil {
			return 0, 0, err
		}
		if off != 0 {
			return off, pad, nil
		}
		if attempt == 0 {
			if err := db.expand(needed); err != nil {
				return 0, 0, err
			}
			continue
		}
	}

	return 0, 0, db.newError("allocate", OOM, SevError, fmt.Errorf("no free record large enough after expansion"))
}

// findFit walks bucket, bucket+1, ... across the free-table chain looking
// for the first record whose length is >= needed, splitting if the
// remainder would still be a valid free record. Returns offset 0 if
// nothing fits.
func (db *DB) findFit(startBucket int, needed int64) (int64, int64, error) {
	tableOff := db.freeTable

	for tableOff != 0 {
		for b := startBucket; b < freeBuckets; b++ {
			guard, err := db.acquireFreeBucket(freeBucketKeyFor(tableOff, b), true)
			if err != nil {
				return 0, 0, err
			}

			off, pad, err := db.scanBucketForFit(tableOff, b, needed)
			relErr := guard.Release()
			if err != nil {
				return 0, 0, err
			}
			if relErr != nil {
				return 0, 0, relErr
			}
			if off != 0 {
				if db.attrs.Stats != nil {
					db.attrs.Stats.IncInsert()
				}
				return off, pad, nil
			}
		}

		next, err := db.readFTableNext(tableOff)
		if err != nil {
			return 0, 0, err
		}
		tableOff = next
		startBucket = 0
	}

	return 0, 0, nil
}

// freeBucketKeyFor derives a stable lock key for a (table, bucket) pair.
// Tables beyond the first are rare in practice; folding the table offset
// into the key keeps buckets in different chained tables from aliasing
// the same lock range.
func freeBucketKeyFor(tableOff int64, bucket int) int64 {
	return tableOff + int64(bucket)
}

func (db *DB) scanBucketForFit(tableOff int64, bucket int, needed int64) (int64, int64, error) {
	recOff, err := db.readFTableBucketHead(tableOff, bucket)
	if err != nil {
		return 0, 0, err
	}

	for recOff != 0 {
		rec, err := db.readFreeRecord(recOff)
		if err != nil {
			return 0, 0, err
		}
		if int64(rec.length) >= needed {
			if err := db.unlinkFreeRecord(tableOff, bucket, recOff); err != nil {
				return 0, 0, err
			}
			pad, err := db.carveFromFree(tableOff, recOff, int64(rec.length), needed)
			if err != nil {
				return 0, 0, err
			}
			return recOff, pad, nil
		}
		recOff = int64(rec.next)
	}

	return 0, 0, nil
}

// carveFromFree converts the free block at off (payload length freeLen)
// into a used-record-sized block requiring `needed` payload bytes,
// splitting off a tail free record when the remainder is large enough to
// stand on its own; otherwise the remainder is returned as extra padding
// for the caller to stamp into the used record header.
func (db *DB) carveFromFree(tableOff, off, freeLen, needed int64) (int64, error) {
	totalBlock := freeRecordHeaderSize + freeLen
	usedCapacity := totalBlock - usedRecordHeaderSize
	tailTotal := usedCapacity - needed

	if tailTotal >= freeRecordHeaderSize+minDataLen {
		tailOff := off + usedRecordHeaderSize + needed
		tailLen := tailTotal - freeRecordHeaderSize
		tailBucket := sizeToBucket(tailLen)
		if err := db.linkFreeRecordHead(tableOff, tailBucket, tailOff, tailLen); err != nil {
			return 0, err
		}
		if db.attrs.Stats != nil {
			db.attrs.Stats.IncExpand() // split event; reuses the counter rather than adding a new one
		}
		return 0, nil
	}

	if tailTotal < 0 {
		tailTotal = 0
	}
	return tailTotal, nil
}

// free converts the used record at off back into a free record, coalesces
// it forward with however many byte-adjacent free neighbors follow it, and
// links the result into the free table.
func (db *DB) free(off int64, totalBlockSize int64) error {
	length := totalBlockSize - freeRecordHeaderSize
	if length < minDataLen {
		length = minDataLen
	}

	length, err := db.coalesceForward(off, length)
	if err != nil {
		return err
	}

	bucket := sizeToBucket(length)
	return db.linkFreeRecordHead(db.freeTable, bucket, off, length)
}

// coalesceForward merges the free block at off (with payload length
// length, not yet linked into any bucket) with each byte-adjacent free
// record that follows it, stopping at the first used record, the
// free-table header itself, or EOF. spec.md §4.3's three coalesce
// scenarios exercise this walking-forward behavior directly: a lone free
// record at EOF merges with nothing (length unchanged), two adjacent free
// records merge into one, and three merge into one in a single call - the
// loop below continues past the first merge rather than stopping there.
func (db *DB) coalesceForward(off, length int64) (int64, error) {
	for {
		nextOff := off + freeRecordHeaderSize + length
		if nextOff >= db.acc.size() {
			return length, nil
		}

		raw, err := db.acc.readAt(nextOff, 8)
		if err != nil {
			return length, nil
		}
		if isUsedMagic(db.order.Uint64(raw)) {
			return length, nil
		}

		neighbor, err := db.readFreeRecord(nextOff)
		if err != nil {
			return length, nil
		}
		bucket := int(neighbor.ftableIdx)
		if bucket > ftableIdxMax {
			return length, nil
		}

		if err := db.unlinkFreeRecord(db.freeTable, bucket, nextOff); err != nil {
			return length, err
		}
		length += freeRecordHeaderSize + int64(neighbor.length)
		if db.attrs.Stats != nil {
			db.attrs.Stats.IncCoalesce()
		}
	}
}

// expand grows the file to make room for an allocation of at least
// `needed` bytes, holding the expansion lock and the all-record lock for
// the duration, per spec.md §4.3.
func (db *DB) expand(needed int64) error {
	expGuard, err := db.acquireSingleton(lockExpansionOffset, true)
	if err != nil {
		return err
	}
	defer expGuard.Release()

	allGuard, err := db.acquireAllRecord(true, false)
	if err != nil {
		return err
	}
	defer allGuard.Release()

	const extensionFactor = 4
	const minimumGrowth = 1 << 16

	growth := needed * extensionFactor
	if growth < minimumGrowth {
		growth = minimumGrowth
	}

	oldSize := db.acc.size()
	newSize := oldSize + freeRecordHeaderSize + growth

	if err := db.acc.ensure(newSize, 0); err != nil {
		return db.newError("expand", IOError, SevError, err)
	}

	bucket := sizeToBucket(growth)
	if err := db.linkFreeRecordHead(db.freeTable, bucket, oldSize, growth); err != nil {
		return db.newError("expand", IOError, SevError, err)
	}
	return nil
}

// stampUsedRecord writes a used-record header plus key/data payload at
// off, which must have been returned by allocateBlock with enough
// capacity for len(key)+len(data)+extraPadding bytes. hash is the full
// 64-bit key hash; only its low 11 bits (the truncated hash) are stored.
func (db *DB) stampUsedRecord(off int64, magic uint16, key, data []byte, extraPadding int64, hash uint64) error {
	w1, w2 := encodeUsedHeader(magic, len(key), len(data), uint32(extraPadding), hash)

	buf := make([]byte, usedRecordHeaderSize+len(key)+len(data))
	db.order.PutUint64(buf[0:], w1)
	db.order.PutUint64(buf[8:], w2)
	copy(buf[usedRecordHeaderSize:], key)
	copy(buf[usedRecordHeaderSize+len(key):], data)

	if err := db.acc.writeAt(off, buf); err != nil {
		return err
	}
	if extraPadding > 0 {
		if err := db.acc.zeroAt(off+usedRecordHeaderSize+int64(len(key)+len(data)), int(extraPadding)); err != nil {
			return err
		}
	}

	return nil
}
