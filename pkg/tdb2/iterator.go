package tdb2

import "fmt"

// iterFrame is one level of Traverse's descent: either a position within
// a group-shaped table (top-level or subhash) or a position within a
// chain's linked list of 8-slot blocks.
type iterFrame struct {
	loc   tableLoc
	total int
	pos   int

	isChain  bool
	chainOff int64
}

// iterator walks every live record in hash-index order, holding one
// top-level hash-range lock at a time so concurrent inserts into other
// ranges are not blocked - spec.md §4.4 "Traversal".
type iterator struct {
	db          *DB
	topIdx      int
	curTopGuard *lockGuard
	stack       []iterFrame
	prev        int64
}

func newIterator(db *DB) *iterator {
	return &iterator{db: db, prev: -1}
}

func (it *iterator) close() {
	if it.curTopGuard != nil {
		it.curTopGuard.Release()
		it.curTopGuard = nil
	}
}

func (it *iterator) next() (key, val []byte, ok bool, err error) {
	for {
		if len(it.stack) > 0 {
			top := &it.stack[len(it.stack)-1]

			if top.isChain {
				if top.pos >= chainSlots {
					_, next, err := it.db.readChainBlock(top.chainOff)
					if err != nil {
						return nil, nil, false, err
					}
					if next != 0 {
						top.chainOff = next
						top.pos = 0
						continue
					}
					it.stack = it.stack[:len(it.stack)-1]
					continue
				}
				slots, _, err := it.db.readChainBlock(top.chainOff)
				if err != nil {
					return nil, nil, false, err
				}
				s := slots[top.pos]
				top.pos++
				if slotEmpty(s) {
					continue
				}
				off, _, _, _ := decodeSlot(s)
				return it.yield(off)
			}

			if top.pos >= top.total {
				it.stack = it.stack[:len(it.stack)-1]
				continue
			}
			group := top.pos / groupSlots
			idx := top.pos % groupSlots
			top.pos++

			slots, err := it.db.readGroup(top.loc, group)
			if err != nil {
				return nil, nil, false, err
			}
			s := slots[idx]
			if slotEmpty(s) {
				continue
			}
			off, _, _, isSub := decodeSlot(s)
			if isSub {
				frame, err := it.descend(off)
				if err != nil {
					return nil, nil, false, err
				}
				it.stack = append(it.stack, frame)
				continue
			}
			return it.yield(off)
		}

		if it.curTopGuard != nil {
			it.curTopGuard.Release()
			it.curTopGuard = nil
		}
		if it.topIdx >= topLevelBuckets {
			return nil, nil, false, nil
		}

		top10 := uint64(it.topIdx)
		it.topIdx++

		guard, err := it.db.acquireHashRange(top10, false)
		if err != nil {
			return nil, nil, false, err
		}

		group := int(top10 >> 3)
		home := uint8(top10 & 0x7)
		slots, err := it.db.readGroup(tableLoc{isTopLevel: true}, group)
		if err != nil {
			guard.Release()
			return nil, nil, false, err
		}
		s := slots[home]
		if slotEmpty(s) {
			guard.Release()
			continue
		}

		off, _, _, isSub := decodeSlot(s)
		if isSub {
			frame, err := it.descend(off)
			if err != nil {
				guard.Release()
				return nil, nil, false, err
			}
			it.curTopGuard = guard
			it.stack = append(it.stack, frame)
			continue
		}

		guard.Release()
		return it.yield(off)
	}
}

func (it *iterator) descend(off int64) (iterFrame, error) {
	w1, err := it.db.readOff(off)
	if err != nil {
		return iterFrame{}, err
	}
	switch uint16(w1 >> 48) {
	case magicHTable:
		return iterFrame{loc: tableLoc{payloadOff: off + usedRecordHeaderSize}, total: subhashSlots}, nil
	case magicChain:
		return iterFrame{isChain: true, chainOff: off}, nil
	default:
		return iterFrame{}, it.db.newError("Traverse", Corrupt, Fatal, fmt.Errorf("slot flagged as substructure points to neither HTABLE nor CHAIN"))
	}
}

func (it *iterator) yield(off int64) ([]byte, []byte, bool, error) {
	hdr, err := it.db.readUsedHeaderAt(off)
	if err != nil {
		return nil, nil, false, err
	}
	key, err := it.db.readRecordKey(off, int(hdr.keyLen))
	if err != nil {
		return nil, nil, false, err
	}
	val, err := it.db.readRecordValue(off, int(hdr.keyLen), int(hdr.dataLen))
	if err != nil {
		return nil, nil, false, err
	}

	it.prev = off
	keyCopy := append([]byte(nil), key...)
	valCopy := append([]byte(nil), val...)
	return keyCopy, valCopy, true, nil
}
