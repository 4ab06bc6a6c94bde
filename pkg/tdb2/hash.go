package tdb2

import (
	"bytes"
	"fmt"
)

// tableLoc identifies where a group-of-8-slots array lives: either the
// file header's top-level 1024-slot array, or the payload of an
// allocated HTABLE record (a subhashtable).
type tableLoc struct {
	isTopLevel bool
	payloadOff int64
}

func (db *DB) groupOffset(loc tableLoc, group int) int64 {
	if loc.isTopLevel {
		return int64(offHashtable) + int64(group)*groupByteSize
	}
	return loc.payloadOff + int64(group)*groupByteSize
}

func (db *DB) readGroup(loc tableLoc, group int) ([groupSlots]uint64, error) {
	var out [groupSlots]uint64
	vals, err := db.readUint64s(db.groupOffset(loc, group), groupSlots)
	if err != nil {
		return out, err
	}
	copy(out[:], vals)
	return out, nil
}

func (db *DB) writeGroupSlot(loc tableLoc, group, idx int, slot uint64) error {
	return db.writeOff(db.groupOffset(loc, group)+int64(idx)*8, slot)
}

func (db *DB) writeGroup(loc tableLoc, group int, slots [groupSlots]uint64) error {
	return db.writeUint64s(db.groupOffset(loc, group), slots[:])
}

// readUsedHeaderAt reads and decodes a used record's two header words.
func (db *DB) readUsedHeaderAt(off int64) (usedHeader, error) {
	raw, err := db.acc.readAt(off, usedRecordHeaderSize)
	if err != nil {
		return usedHeader{}, err
	}
	w1 := db.order.Uint64(raw[0:])
	w2 := db.order.Uint64(raw[8:])
	return decodeUsedHeader(w1, w2), nil
}

func (db *DB) readRecordKey(off int64, keyLen int) ([]byte, error) {
	return db.acc.readAt(off+usedRecordHeaderSize, keyLen)
}

func (db *DB) readRecordValue(off int64, keyLen, dataLen int) ([]byte, error) {
	return db.acc.readAt(off+usedRecordHeaderSize+int64(keyLen), dataLen)
}

// recordTotalSize returns the total on-disk size (header + key + data +
// padding) of the used record at off.
func (db *DB) recordTotalSize(hdr usedHeader) int64 {
	return usedRecordHeaderSize + int64(hdr.keyLen) + int64(hdr.dataLen) + int64(hdr.extraPadding)
}

// topBitsOf extracts the first 10 bits of hash: spec.md's top-level
// group(7)+home(3) split.
func topBitsOf(hash uint64) uint64 {
	return (hash >> 54) & 0x3FF
}

// extraHashAt peeks the 7 bits immediately following the address bits
// already consumed when entering the group at the given depth, without
// mutating any shared state. Both lookup and insertion derive a record's
// extra-hash bits this same way so the two agree on every depth.
func extraHashAt(hash uint64, bitsConsumed uint8) uint8 {
	if bitsConsumed > 64-7 {
		// Fewer than 7 bits remain; this only happens at/after the point
		// the bit budget forces a chain, where extra-hash pruning is not
		// used at all (full key compare instead). Returning 0 here is
		// harmless since chain lookups never consult this value.
		return 0
	}
	shift := 64 - bitsConsumed - 7
	return uint8((hash >> shift) & 0x7F)
}

// hashLookup is the result of findAndLock: either a match, an empty slot
// suitable for insertion, or a signal that the current group/chain block
// is full and must be expanded before insertion can proceed.
type hashLookup struct {
	hash      uint64
	bitsUsed  uint8
	depth     int
	guard     *lockGuard
	found     bool
	offset    int64 // valid when found
	hdr       usedHeader

	// group-table insertion point
	loc     tableLoc
	group   int
	home    uint8
	slotIdx int // index within the group/chain block; -1 means "full"
	full    bool

	// chain insertion point
	chainOff  int64
	chainPrev int64
	chainFull bool
}

// findAndLock locates key's slot (or its insertion point), holding the
// hash-range lock for the top-level 10 bits of its hash for the duration.
// Callers must Release the returned guard exactly once.
func (db *DB) findAndLock(key []byte, write bool) (*hashLookup, error) {
	hash := db.attrs.hashFn()(key, db.hashSeed)
	if db.attrs.Stats != nil {
		db.attrs.Stats.IncLookup()
	}

	top10 := topBitsOf(hash)
	guard, err := db.acquireHashRange(top10, write)
	if err != nil {
		return nil, err
	}

	loc := tableLoc{isTopLevel: true}
	group := int(top10 >> 3)
	home := uint8(top10 & 0x7)
	bitsUsed := uint8(10)
	depth := 0

	for {
		slots, err := db.readGroup(loc, group)
		if err != nil {
			guard.Release()
			return nil, err
		}

		slot := slots[home]
		if slotEmpty(slot) {
			return &hashLookup{hash: hash, bitsUsed: bitsUsed, loc: loc, group: group, home: home, slotIdx: int(home), guard: guard, depth: depth}, nil
		}

		offset, _, _, isSub := decodeSlot(slot)

		if isSub {
			w1, err := db.readOff(offset)
			if err != nil {
				guard.Release()
				return nil, err
			}
			switch uint16(w1 >> 48) {
			case magicHTable:
				if 64-bitsUsed < 6 {
					guard.Release()
					return nil, db.newError("findAndLock", Corrupt, Fatal, fmt.Errorf("subhash reached with insufficient hash bits remaining"))
				}
				g3 := (hash >> (64 - bitsUsed - 3)) & 0x7
				bitsUsed += 3
				h3 := (hash >> (64 - bitsUsed - 3)) & 0x7
				bitsUsed += 3
				loc = tableLoc{payloadOff: offset + usedRecordHeaderSize}
				group = int(g3)
				home = uint8(h3)
				depth++
				continue
			case magicChain:
				return db.walkChain(key, hash, offset, guard, depth, bitsUsed)
			default:
				guard.Release()
				return nil, db.newError("findAndLock", Corrupt, Fatal, fmt.Errorf("slot flagged as substructure points to neither HTABLE nor CHAIN"))
			}
		}

		extraWant := extraHashAt(hash, bitsUsed)
		truncWant := uint16(hash & truncHashMask)

		for i := 0; i < groupSlots; i++ {
			idx := (int(home) + i) % groupSlots
			s := slots[idx]
			if slotEmpty(s) {
				return &hashLookup{hash: hash, bitsUsed: bitsUsed, loc: loc, group: group, home: home, slotIdx: idx, guard: guard, depth: depth}, nil
			}
			off2, _, extra2, sub2 := decodeSlot(s)
			if sub2 || extra2 != extraWant {
				continue
			}
			hdr, err := db.readUsedHeaderAt(off2)
			if err != nil {
				guard.Release()
				return nil, err
			}
			if hdr.truncHash != truncWant {
				continue
			}
			storedKey, err := db.readRecordKey(off2, int(hdr.keyLen))
			if err != nil {
				guard.Release()
				return nil, err
			}
			if bytes.Equal(storedKey, key) {
				return &hashLookup{hash: hash, bitsUsed: bitsUsed, loc: loc, group: group, home: home, slotIdx: idx, found: true, offset: off2, hdr: hdr, guard: guard, depth: depth}, nil
			}
		}

		return &hashLookup{hash: hash, bitsUsed: bitsUsed, loc: loc, group: group, home: home, slotIdx: -1, full: true, guard: guard, depth: depth}, nil
	}
}

func (db *DB) readChainBlock(off int64) ([chainSlots]uint64, int64, error) {
	var slots [chainSlots]uint64
	raw, err := db.acc.readAt(off+usedRecordHeaderSize, chainDataSize)
	if err != nil {
		return slots, 0, err
	}
	for i := 0; i < chainSlots; i++ {
		slots[i] = db.order.Uint64(raw[i*8:])
	}
	next := db.order.Uint64(raw[chainSlots*8:])
	return slots, int64(next), nil
}

func (db *DB) writeChainSlot(chainOff int64, idx int, slot uint64) error {
	return db.writeOff(chainOff+usedRecordHeaderSize+int64(idx)*8, slot)
}

func (db *DB) writeChainNext(chainOff int64, next int64) error {
	return db.writeOff(chainOff+usedRecordHeaderSize+chainSlots*8, uint64(next))
}

func (db *DB) walkChain(key []byte, hash uint64, chainOff int64, guard *lockGuard, depth int, bitsUsed uint8) (*hashLookup, error) {
	prev := int64(0)
	cur := chainOff

	for {
		slots, next, err := db.readChainBlock(cur)
		if err != nil {
			guard.Release()
			return nil, err
		}

		for i, s := range slots {
			if slotEmpty(s) {
				return &hashLookup{hash: hash, bitsUsed: bitsUsed, guard: guard, depth: depth, chainOff: cur, chainPrev: prev, slotIdx: i}, nil
			}
			off2, _, _, _ := decodeSlot(s)
			hdr, err := db.readUsedHeaderAt(off2)
			if err != nil {
				guard.Release()
				return nil, err
			}
			storedKey, err := db.readRecordKey(off2, int(hdr.keyLen))
			if err != nil {
				guard.Release()
				return nil, err
			}
			if bytes.Equal(storedKey, key) {
				return &hashLookup{hash: hash, bitsUsed: bitsUsed, found: true, offset: off2, hdr: hdr, guard: guard, depth: depth, chainOff: cur, slotIdx: i}, nil
			}
		}

		if next == 0 {
			return &hashLookup{hash: hash, bitsUsed: bitsUsed, guard: guard, depth: depth, chainOff: cur, chainPrev: prev, slotIdx: -1, chainFull: true}, nil
		}
		prev = cur
		cur = next
	}
}

func (db *DB) appendChainBlock(lastChainOff int64) error {
	off, pad, err := db.allocateBlock(chainDataSize)
	if err != nil {
		return err
	}
	if err := db.stampUsedRecord(off, magicChain, nil, make([]byte, chainDataSize), pad, 0); err != nil {
		return err
	}
	return db.writeChainNext(lastChainOff, off)
}

// needsExpand reports whether lr landed on a full group or full chain
// block rather than a usable insertion point.
func (lr *hashLookup) needsExpand() bool { return lr.full || lr.chainFull }

// expandFor grows whichever structure lr's group/chain expansion check
// found full, so a retried findAndLock can make progress. The caller
// must have already released lr.guard.
func (db *DB) expandFor(lr *hashLookup) error {
	if lr.chainFull {
		return db.appendChainBlock(lr.chainOff)
	}
	return db.expandGroup(lr.hash, lr.bitsUsed, lr.depth, lr.loc, lr.group, lr.home)
}

// insertAt allocates a record of the given magic for (key, data) and
// writes it into the slot lr located, which must be a genuine insertion
// point (found == false, needsExpand() == false). Callers hold lr.guard
// for the duration and release it themselves.
func (db *DB) insertAt(lr *hashLookup, magic uint16, key, data []byte) (int64, error) {
	off, pad, err := db.allocateBlock(int64(len(key) + len(data)))
	if err != nil {
		return 0, err
	}
	if err := db.stampUsedRecord(off, magic, key, data, pad, lr.hash); err != nil {
		return 0, err
	}

	if lr.chainOff != 0 {
		newSlot := encodeSlot(uint64(off), 0, 0, false)
		if err := db.writeChainSlot(lr.chainOff, lr.slotIdx, newSlot); err != nil {
			return 0, err
		}
	} else {
		extraHash := extraHashAt(lr.hash, lr.bitsUsed)
		newSlot := encodeSlot(uint64(off), lr.home, extraHash, false)
		if err := db.writeGroupSlot(lr.loc, lr.group, lr.slotIdx, newSlot); err != nil {
			return 0, err
		}
	}

	if db.attrs.Stats != nil {
		db.attrs.Stats.IncInsert()
	}
	return off, nil
}

// replaceInHash overwrites the record at the located slot with a freshly
// allocated one, preserving home-bucket and extra-hash bits, and frees
// the old record.
func (db *DB) replaceInHash(lr *hashLookup, magic uint16, key, data []byte) (int64, error) {
	off, pad, err := db.allocateBlock(int64(len(key) + len(data)))
	if err != nil {
		return 0, err
	}
	if err := db.stampUsedRecord(off, magic, key, data, pad, lr.hash); err != nil {
		return 0, err
	}

	if lr.chainOff != 0 {
		newSlot := encodeSlot(uint64(off), 0, 0, false)
		if err := db.writeChainSlot(lr.chainOff, lr.slotIdx, newSlot); err != nil {
			return 0, err
		}
	} else {
		extraHash := extraHashAt(lr.hash, lr.bitsUsed)
		newSlot := encodeSlot(uint64(off), lr.home, extraHash, false)
		if err := db.writeGroupSlot(lr.loc, lr.group, lr.slotIdx, newSlot); err != nil {
			return 0, err
		}
	}

	oldTotal := db.recordTotalSize(lr.hdr)
	if err := db.free(lr.offset, oldTotal); err != nil {
		return 0, err
	}

	return off, nil
}

// deleteFromHash clears the located slot and restores the linear-probe
// invariant among the remaining entries of the group (or compacts the
// chain block), then frees the deleted record.
func (db *DB) deleteFromHash(lr *hashLookup) error {
	oldTotal := db.recordTotalSize(lr.hdr)

	if lr.chainOff != 0 {
		if err := db.writeChainSlot(lr.chainOff, lr.slotIdx, 0); err != nil {
			return err
		}
		if err := db.compactChainBlock(lr.chainOff); err != nil {
			return err
		}
		return db.free(lr.offset, oldTotal)
	}

	if err := db.writeGroupSlot(lr.loc, lr.group, lr.slotIdx, 0); err != nil {
		return err
	}
	if err := db.fixupGroupAfterRemoval(lr.loc, lr.group); err != nil {
		return err
	}
	return db.free(lr.offset, oldTotal)
}

// compactChainBlock shifts entries after a cleared slot backward, so a
// chain block has no internal gaps before its first empty slot. This is
// the chain analogue of fixupGroupAfterRemoval.
func (db *DB) compactChainBlock(chainOff int64) error {
	slots, next, err := db.readChainBlock(chainOff)
	if err != nil {
		return err
	}
	out := make([]uint64, 0, chainSlots)
	for _, s := range slots {
		if !slotEmpty(s) {
			out = append(out, s)
		}
	}
	for i := 0; i < chainSlots; i++ {
		var v uint64
		if i < len(out) {
			v = out[i]
		}
		if err := db.writeChainSlot(chainOff, i, v); err != nil {
			return err
		}
	}
	_ = next
	return nil
}

// fixupGroupAfterRemoval walks forward from the start of the group,
// skipping subhash slots, and moves any slot whose home-bucket field
// differs from its current array index back toward its home where an
// empty slot allows, per spec.md §4.4's delete algorithm. This keeps the
// linear-probe invariant intact so later lookups that depended on probe
// continuity still terminate correctly.
func (db *DB) fixupGroupAfterRemoval(loc tableLoc, group int) error {
	slots, err := db.readGroup(loc, group)
	if err != nil {
		return err
	}

	changed := true
	for changed {
		changed = false
		for idx := 0; idx < groupSlots; idx++ {
			s := slots[idx]
			if slotEmpty(s) {
				continue
			}
			off, home, extra, isSub := decodeSlot(s)
			if isSub {
				continue
			}
			if int(home) == idx {
				continue
			}
			// This entry is displaced. Try to move it to the first empty
			// slot on its probe path from home up to (but not past) idx.
			for probe := int(home); probe != idx; probe = (probe + 1) % groupSlots {
				if slotEmpty(slots[probe]) {
					slots[probe] = encodeSlot(off, home, extra, false)
					slots[idx] = 0
					changed = true
					break
				}
			}
		}
	}

	return db.writeGroup(loc, group, slots)
}

// expandGroup is called when a group is full at a non-terminal depth. It
// picks the home bucket with the largest population within the group
// (ties broken toward `tieHome`), moves every entry with that home bucket
// into a freshly allocated subhash or chain, and replaces that bucket's
// slot in the parent group with a pointer to the new structure.
func (db *DB) expandGroup(hash uint64, bitsUsed uint8, depth int, loc tableLoc, group int, tieHome uint8) error {
	top10 := topBitsOf(hash)
	guard, err := db.acquireHashRange(top10, true)
	if err != nil {
		return err
	}
	defer guard.Release()

	slots, err := db.readGroup(loc, group)
	if err != nil {
		return err
	}

	var counts [groupSlots]int
	for _, s := range slots {
		if slotEmpty(s) {
			continue
		}
		_, home, _, isSub := decodeSlot(s)
		if isSub {
			continue
		}
		counts[home]++
	}

	best := tieHome
	bestCount := counts[tieHome]
	for h := 0; h < groupSlots; h++ {
		if counts[h] > bestCount {
			bestCount = counts[h]
			best = uint8(h)
		}
	}

	if bestCount == 0 {
		// The open question this resolves: the source's commented-out
		// assert(num_vals) in expand_group. Here it is a real, always-on
		// check: expanding a bucket with no entries means the
		// fullest-bucket selection itself picked wrong.
		return db.newError("expandGroup", Corrupt, Fatal, fmt.Errorf("expand_group selected an empty bucket"))
	}

	type moved struct {
		idx    int
		offset uint64
	}
	var toMove []moved
	for idx, s := range slots {
		if slotEmpty(s) {
			continue
		}
		offset, home, _, isSub := decodeSlot(s)
		if isSub || home != best {
			continue
		}
		toMove = append(toMove, moved{idx: idx, offset: offset})
	}

	remaining := 64 - bitsUsed
	useChain := remaining < 6

	var newOff int64
	if useChain {
		off, pad, err := db.allocateBlock(chainDataSize)
		if err != nil {
			return err
		}
		if err := db.stampUsedRecord(off, magicChain, nil, make([]byte, chainDataSize), pad, 0); err != nil {
			return err
		}
		newOff = off

		for i, m := range toMove {
			if i >= chainSlots {
				return db.newError("expandGroup", Corrupt, Fatal, fmt.Errorf("more than %d entries collided on one home bucket", chainSlots))
			}
			if err := db.writeChainSlot(newOff, i, encodeSlot(m.offset, 0, 0, false)); err != nil {
				return err
			}
		}
	} else {
		off, pad, err := db.allocateBlock(htableDataSize)
		if err != nil {
			return err
		}
		if err := db.stampUsedRecord(off, magicHTable, nil, make([]byte, htableDataSize), pad, 0); err != nil {
			return err
		}
		newOff = off
		newLoc := tableLoc{payloadOff: off + usedRecordHeaderSize}

		for _, m := range toMove {
			key, hdr, err := db.keyAndHeaderAt(int64(m.offset))
			if err != nil {
				return err
			}
			movedHash := db.attrs.hashFn()(key, db.hashSeed)
			g3 := (movedHash >> (64 - bitsUsed - 3)) & 0x7
			newBits := bitsUsed + 3
			h3 := (movedHash >> (64 - newBits - 3)) & 0x7
			newBits += 3

			slotWord := encodeSlot(m.offset, uint8(h3), extraHashAt(movedHash, newBits), false)
			if err := db.insertIntoGroupProbe(newLoc, int(g3), uint8(h3), slotWord); err != nil {
				return err
			}
			_ = hdr
		}
	}

	for _, m := range toMove {
		slots[m.idx] = 0
	}
	if err := db.writeGroup(loc, group, slots); err != nil {
		return err
	}
	if err := db.fixupGroupAfterRemoval(loc, group); err != nil {
		return err
	}

	// Guarantee index `best` is free for the pointer: if fixup left a
	// displaced entry sitting there, relocate it to its own nearest free
	// probe slot first.
	slots, err = db.readGroup(loc, group)
	if err != nil {
		return err
	}
	if !slotEmpty(slots[best]) {
		off, home, extra, isSub := decodeSlot(slots[best])
		if !isSub {
			slots[best] = 0
			if err := db.writeGroup(loc, group, slots); err != nil {
				return err
			}
			if err := db.insertIntoGroupProbe(loc, group, home, encodeSlot(off, home, extra, false)); err != nil {
				return err
			}
		}
	}

	if err := db.writeGroupSlot(loc, group, best, encodeSlot(uint64(newOff), best, 0, true)); err != nil {
		return err
	}

	if db.attrs.Stats != nil {
		db.attrs.Stats.IncExpand()
	}
	return nil
}

// insertIntoGroupProbe places slotWord into the first empty slot on the
// linear probe path starting at home within the given group.
func (db *DB) insertIntoGroupProbe(loc tableLoc, group int, home uint8, slotWord uint64) error {
	slots, err := db.readGroup(loc, group)
	if err != nil {
		return err
	}
	for i := 0; i < groupSlots; i++ {
		idx := (int(home) + i) % groupSlots
		if slotEmpty(slots[idx]) {
			return db.writeGroupSlot(loc, group, idx, slotWord)
		}
	}
	return db.newError("insertIntoGroupProbe", Corrupt, Fatal, fmt.Errorf("target group unexpectedly full"))
}

func (db *DB) keyAndHeaderAt(off int64) ([]byte, usedHeader, error) {
	hdr, err := db.readUsedHeaderAt(off)
	if err != nil {
		return nil, hdr, err
	}
	key, err := db.readRecordKey(off, int(hdr.keyLen))
	return key, hdr, err
}
