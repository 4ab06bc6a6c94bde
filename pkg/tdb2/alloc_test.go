package tdb2

import (
	"path/filepath"
	"testing"
)

// layFreeBlock appends a free-record-shaped block of the given payload
// length to the end of the file and returns its offset. It does not link
// the block into any free-table bucket; callers do that explicitly when a
// neighbor must look like a properly-linked free record.
func layFreeBlock(t *testing.T, db *DB, length int64) int64 {
	t.Helper()

	off := db.acc.size()
	if err := db.acc.ensure(0, int(off+freeRecordHeaderSize+length)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	return off
}

// Test_CoalesceForward_LoneRecordAtEOF_MergesNothing is spec.md's
// Coalesce-EOF scenario: a single free record with nothing following it
// merges with nothing and its length is unchanged.
func Test_CoalesceForward_LoneRecordAtEOF_MergesNothing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 11)

	const length = 1024
	off := layFreeBlock(t, db, length)

	got, err := db.coalesceForward(off, length)
	if err != nil {
		t.Fatalf("coalesceForward: %v", err)
	}
	if got != length {
		t.Errorf("coalesceForward at EOF merged to length %d, want unchanged %d", got, length)
	}
}

// Test_CoalesceForward_TwoAdjacentFreeRecords_MergeIntoOne is spec.md's
// "coalesce two free then EOF" scenario: free(1024) immediately followed
// by free(2048) merges into a single record of combined length.
func Test_CoalesceForward_TwoAdjacentFreeRecords_MergeIntoOne(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 13)

	const len1, len2 = 1024, 2048
	off1 := layFreeBlock(t, db, len1)
	off2 := off1 + freeRecordHeaderSize + len1
	if got := layFreeBlock(t, db, len2); got != off2 {
		t.Fatalf("second block landed at %d, want %d", got, off2)
	}
	bucket2 := sizeToBucket(len2)
	if err := db.linkFreeRecordHead(db.freeTable, bucket2, off2, len2); err != nil {
		t.Fatalf("linkFreeRecordHead: %v", err)
	}

	want := int64(len1 + freeRecordHeaderSize + len2)
	got, err := db.coalesceForward(off1, len1)
	if err != nil {
		t.Fatalf("coalesceForward: %v", err)
	}
	if got != want {
		t.Errorf("coalesceForward merged length = %d, want %d", got, want)
	}

	if head, err := db.readFTableBucketHead(db.freeTable, bucket2); err != nil {
		t.Fatalf("readFTableBucketHead: %v", err)
	} else if head == off2 {
		t.Error("second record still linked into its original bucket after being coalesced away")
	}
}

// Test_CoalesceForward_ThreeAdjacentFreeRecords_MergeIntoOne is spec.md's
// "coalesce three free" scenario: free(1024), free(512), free(256) laid
// out back to back all merge into one record in a single coalesceForward
// call, not just the immediate neighbor.
func Test_CoalesceForward_ThreeAdjacentFreeRecords_MergeIntoOne(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 17)

	const len1, len2, len3 = 1024, 512, 256
	off1 := layFreeBlock(t, db, len1)
	off2 := off1 + freeRecordHeaderSize + len1
	off3 := off2 + freeRecordHeaderSize + len2
	if got := layFreeBlock(t, db, len2); got != off2 {
		t.Fatalf("second block landed at %d, want %d", got, off2)
	}
	if got := layFreeBlock(t, db, len3); got != off3 {
		t.Fatalf("third block landed at %d, want %d", got, off3)
	}

	if err := db.linkFreeRecordHead(db.freeTable, sizeToBucket(len2), off2, len2); err != nil {
		t.Fatalf("linkFreeRecordHead(off2): %v", err)
	}
	if err := db.linkFreeRecordHead(db.freeTable, sizeToBucket(len3), off3, len3); err != nil {
		t.Fatalf("linkFreeRecordHead(off3): %v", err)
	}

	want := int64(len1 + freeRecordHeaderSize + len2 + freeRecordHeaderSize + len3)
	got, err := db.coalesceForward(off1, len1)
	if err != nil {
		t.Fatalf("coalesceForward: %v", err)
	}
	if got != want {
		t.Errorf("coalesceForward merged length = %d, want %d", got, want)
	}
}

// Test_Free_ThenCheck_NeverLeavesAdjacentFreeRecords stores several keys
// sized so their records land byte-adjacent, deletes them in an order that
// forces forward coalescing through free(), and confirms Check's P4 still
// holds afterward - an end-to-end counterpart to the direct
// coalesceForward scenarios above.
func Test_Free_ThenCheck_NeverLeavesAdjacentFreeRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 19)

	keys := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	for _, k := range keys {
		if err := db.Store(k, []byte("some payload bytes"), Replace); err != nil {
			t.Fatalf("Store(%q): %v", k, err)
		}
	}
	for _, k := range keys {
		if err := db.Delete(k); err != nil {
			t.Fatalf("Delete(%q): %v", k, err)
		}
	}

	if err := db.Check(nil); err != nil {
		t.Fatalf("Check after deleting all keys: %v", err)
	}
}
