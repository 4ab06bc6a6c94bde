package tdb2

import (
	"fmt"
	"strings"
)

// Check walks the hash index and every free-table bucket list, validating
// the structural invariants P1-P5, and invoking fn, if non-nil, on
// every live key/value pair so callers can layer their own validation on
// top. It returns a CORRUPT error describing the first violation found.
// sizeToBucket itself (P9) is not tested; the P3 check relies on it.
func (db *DB) Check(fn func(key, val []byte) error) error {
	usedTotal, err := db.checkHashIndex(fn)
	if err != nil {
		return err
	}

	freeTotal, freeRecords, err := db.checkFreeLists()
	if err != nil {
		return err
	}
	_ = freeRecords

	overhead := int64(headerSize)
	fileSize := db.acc.size()
	if usedTotal+freeTotal+overhead != fileSize {
		return db.newError("Check", Corrupt, SevError, fmt.Errorf(
			"used(%d) + free(%d) + overhead(%d) = %d, want file size %d",
			usedTotal, freeTotal, overhead, usedTotal+freeTotal+overhead, fileSize))
	}

	return nil
}

// checkHashIndex traverses the live hash index, validating P1 (every
// reachable record's extra-hash bits and find(key) agree with its actual
// key) and P2 (linear-probe invariant), and returns the total on-disk
// size of every reachable record (used, HTABLE, CHAIN - any block that
// is part of the reachable structure, not just leaf records). FTABLE
// records are counted by checkFreeLists.
func (db *DB) checkHashIndex(fn func(key, val []byte) error) (int64, error) {
	var total int64

	for g := 0; g < topLevelBuckets/groupSlots; g++ {
		slots, err := db.readGroup(tableLoc{isTopLevel: true}, g)
		if err != nil {
			return 0, db.newError("Check", IOError, SevError, err)
		}
		if err := db.checkGroupInvariant(slots); err != nil {
			return 0, err
		}
		for i, s := range slots {
			if slotEmpty(s) {
				continue
			}
			off, _, _, isSub := decodeSlot(s)
			top10 := uint64(g)<<3 | uint64(i)
			n, err := db.checkSlotSubtree(off, isSub, top10, 10, fn)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}

	return total, nil
}

func (db *DB) checkGroupInvariant(slots [groupSlots]uint64) error {
	for idx, s := range slots {
		if slotEmpty(s) {
			continue
		}
		_, home, _, isSub := decodeSlot(s)
		if isSub {
			continue
		}
		if int(home) == idx {
			continue
		}
		for probe := int(home); probe != idx; probe = (probe + 1) % groupSlots {
			if slotEmpty(slots[probe]) {
				return db.newError("Check", Corrupt, SevError, fmt.Errorf(
					"hash group violates linear-probe invariant: slot %d has home %d but slot %d on its probe path is empty", idx, home, probe))
			}
		}
	}
	return nil
}

func (db *DB) checkSlotSubtree(off int64, isSub bool, hash uint64, bitsUsed uint8, fn func(key, val []byte) error) (int64, error) {
	hdr, err := db.readUsedHeaderAt(off)
	if err != nil {
		return 0, db.newError("Check", IOError, SevError, err)
	}

	if isSub {
		switch hdr.magic {
		case magicHTable:
			var total int64 = db.recordTotalSize(hdr)
			for g := 0; g < subhashGroups; g++ {
				slots, err := db.readGroup(tableLoc{payloadOff: off + usedRecordHeaderSize}, g)
				if err != nil {
					return 0, db.newError("Check", IOError, SevError, err)
				}
				if err := db.checkGroupInvariant(slots); err != nil {
					return 0, err
				}
				for i, s := range slots {
					if slotEmpty(s) {
						continue
					}
					childOff, _, _, childSub := decodeSlot(s)
					n, err := db.checkSlotSubtree(childOff, childSub, hash, bitsUsed+6, fn)
					if err != nil {
						return 0, err
					}
					total += n
				}
			}
			return total, nil
		case magicChain:
			total := db.recordTotalSize(hdr)
			cur := off
			for {
				slots, next, err := db.readChainBlock(cur)
				if err != nil {
					return 0, db.newError("Check", IOError, SevError, err)
				}
				for _, s := range slots {
					if slotEmpty(s) {
						continue
					}
					childOff, _, _, _ := decodeSlot(s)
					n, err := db.checkSlotSubtree(childOff, false, hash, bitsUsed, fn)
					if err != nil {
						return 0, err
					}
					total += n
				}
				if next == 0 {
					break
				}
				chainHdr, err := db.readUsedHeaderAt(next)
				if err != nil {
					return 0, db.newError("Check", IOError, SevError, err)
				}
				total += db.recordTotalSize(chainHdr)
				cur = next
			}
			return total, nil
		default:
			return 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("slot flagged as substructure at offset %d points to magic %04x, want HTABLE or CHAIN", off, hdr.magic))
		}
	}

	if hdr.magic != magicUsed {
		return 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("leaf record at offset %d has magic %04x, want USED", off, hdr.magic))
	}

	key, err := db.readRecordKey(off, int(hdr.keyLen))
	if err != nil {
		return 0, db.newError("Check", IOError, SevError, err)
	}
	lr, err := db.findAndLock(key, false)
	if err != nil {
		return 0, err
	}
	found := lr.found
	foundOff := lr.offset
	lr.guard.Release()
	if !found || foundOff != off {
		return 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("find(%q) does not return reachable offset %d", key, off))
	}

	if fn != nil {
		val, err := db.readRecordValue(off, int(hdr.keyLen), int(hdr.dataLen))
		if err != nil {
			return 0, db.newError("Check", IOError, SevError, err)
		}
		if err := fn(key, val); err != nil {
			return 0, db.newError("Check", Corrupt, SevError, err)
		}
	}

	return db.recordTotalSize(hdr), nil
}

// checkFreeLists validates P3 (bucket membership matches size_to_bucket)
// and P4 (no two byte-adjacent free records), returning the total size of
// every free record plus FTABLE overhead reachable from db.freeTable.
func (db *DB) checkFreeLists() (int64, int, error) {
	var total int64
	var count int
	seen := make(map[int64]bool)

	tableOff := db.freeTable
	for tableOff != 0 {
		hdr, err := db.readUsedHeaderAt(tableOff)
		if err != nil {
			return 0, 0, db.newError("Check", IOError, SevError, err)
		}
		if hdr.magic != magicFTable {
			return 0, 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("free table at offset %d has magic %04x, want FTABLE", tableOff, hdr.magic))
		}
		total += db.recordTotalSize(hdr)

		for b := 0; b < freeBuckets; b++ {
			recOff, err := db.readFTableBucketHead(tableOff, b)
			if err != nil {
				return 0, 0, db.newError("Check", IOError, SevError, err)
			}
			for recOff != 0 {
				if seen[recOff] {
					return 0, 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("free record at offset %d appears in more than one bucket list", recOff))
				}
				seen[recOff] = true
				count++

				rec, err := db.readFreeRecord(recOff)
				if err != nil {
					return 0, 0, db.newError("Check", IOError, SevError, err)
				}
				if sizeToBucket(int64(rec.length)) != b {
					return 0, 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("free record at offset %d has length %d, linked into bucket %d but belongs in bucket %d", recOff, rec.length, b, sizeToBucket(int64(rec.length))))
				}

				blockSize := freeRecordHeaderSize + int64(rec.length)
				total += blockSize

				next := recOff + blockSize
				if next < db.acc.size() {
					raw, err := db.acc.readAt(next, 8)
					if err == nil {
						w1 := db.order.Uint64(raw)
						if !isUsedMagic(w1) {
							neighbor, err := db.readFreeRecord(next)
							if err == nil && neighbor.ftableIdx != ftableNone {
								return 0, 0, db.newError("Check", Corrupt, SevError, fmt.Errorf("free records at offsets %d and %d are byte-adjacent and uncoalesced", recOff, next))
							}
						}
					}
				}

				recOff = int64(rec.next)
			}
		}

		next, err := db.readFTableNext(tableOff)
		if err != nil {
			return 0, 0, db.newError("Check", IOError, SevError, err)
		}
		tableOff = next
	}

	return total, count, nil
}

// hashStats is the structured form of the "hash:" section of Summary's
// report: how many top-level slots point directly at a used record versus
// a subhashtable or chain block.
type hashStats struct {
	direct, subhash, chain int
}

// computeHashStats walks the top-level group array and tallies slot kinds.
// Summary formats this into text; tests compare two snapshots directly to
// assert the index returns to an identical shape after a reverted mutation.
func (db *DB) computeHashStats() (hashStats, error) {
	var s hashStats
	for g := 0; g < topLevelBuckets/groupSlots; g++ {
		slots, err := db.readGroup(tableLoc{isTopLevel: true}, g)
		if err != nil {
			return s, db.newError("Summary", IOError, SevError, err)
		}
		for _, slot := range slots {
			if slotEmpty(slot) {
				continue
			}
			off, _, _, isSub := decodeSlot(slot)
			if !isSub {
				s.direct++
				continue
			}
			hdr, err := db.readUsedHeaderAt(off)
			if err != nil {
				return s, db.newError("Summary", IOError, SevError, err)
			}
			if hdr.magic == magicHTable {
				s.subhash++
			} else {
				s.chain++
			}
		}
	}
	return s, nil
}

// freeStats is the structured form of the "free:" section of Summary's
// report: per-bucket record counts and total payload bytes, across every
// chained free table.
type freeStats struct {
	tables  int
	counts  [freeBuckets]int
	lengths [freeBuckets]int64
}

// computeFreeStats walks every free-table bucket list and tallies counts
// and byte totals per size class.
func (db *DB) computeFreeStats() (freeStats, error) {
	var s freeStats
	tableOff := db.freeTable
	for tableOff != 0 {
		s.tables++
		for bkt := 0; bkt < freeBuckets; bkt++ {
			recOff, err := db.readFTableBucketHead(tableOff, bkt)
			if err != nil {
				return s, db.newError("Summary", IOError, SevError, err)
			}
			for recOff != 0 {
				rec, err := db.readFreeRecord(recOff)
				if err != nil {
					return s, db.newError("Summary", IOError, SevError, err)
				}
				s.counts[bkt]++
				s.lengths[bkt] += int64(rec.length)
				recOff = int64(rec.next)
			}
		}
		next, err := db.readFTableNext(tableOff)
		if err != nil {
			return s, db.newError("Summary", IOError, SevError, err)
		}
		tableOff = next
	}
	return s, nil
}

// Summary renders a human-readable report of the engine's internal
// state, selected by flags.
func (db *DB) Summary(flags SummaryFlags) (string, error) {
	var b strings.Builder

	if flags&SummaryHash != 0 {
		hs, err := db.computeHashStats()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "hash: top-level direct=%d subhash=%d chain=%d\n", hs.direct, hs.subhash, hs.chain)
	}

	if flags&SummaryFree != 0 {
		fs, err := db.computeFreeStats()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "free: tables=%d\n", fs.tables)
		for i := 0; i < freeBuckets; i++ {
			if fs.counts[i] == 0 {
				continue
			}
			fmt.Fprintf(&b, "  bucket[%2d] (>=%d): count=%d bytes=%d\n", i, int64(1)<<i, fs.counts[i], fs.lengths[i])
		}
	}

	return b.String(), nil
}
