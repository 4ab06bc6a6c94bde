package tdb2

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Test_ComputeStats_RoundTripsToIdenticalShape is a property test: storing
// and then deleting a key must leave the hash index and free-list
// byte-for-byte equivalent, in aggregate, to what they were before. It
// diffs the two structured snapshots directly instead of comparing the
// rendered Summary() text, so a change that altered formatting but not
// substance wouldn't mask a real regression (or vice versa).
func Test_ComputeStats_RoundTripsToIdenticalShape(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 1)

	for i := 0; i < 20; i++ {
		key := []byte(strings.Repeat("k", i+1))
		if err := db.Store(key, []byte("v"), Replace); err != nil {
			t.Fatalf("Store(%q): %v", key, err)
		}
	}

	wantHash, err := db.computeHashStats()
	if err != nil {
		t.Fatalf("computeHashStats: %v", err)
	}
	wantFree, err := db.computeFreeStats()
	if err != nil {
		t.Fatalf("computeFreeStats: %v", err)
	}

	transient := []byte("a key that gets stored then removed")
	if err := db.Store(transient, []byte("throwaway"), Replace); err != nil {
		t.Fatalf("Store(transient): %v", err)
	}
	if err := db.Delete(transient); err != nil {
		t.Fatalf("Delete(transient): %v", err)
	}

	gotHash, err := db.computeHashStats()
	if err != nil {
		t.Fatalf("computeHashStats after round trip: %v", err)
	}
	gotFree, err := db.computeFreeStats()
	if err != nil {
		t.Fatalf("computeFreeStats after round trip: %v", err)
	}

	if diff := cmp.Diff(wantHash, gotHash, cmp.AllowUnexported(hashStats{})); diff != "" {
		t.Errorf("hash stats changed after a reverted store/delete (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantFree, gotFree, cmp.AllowUnexported(freeStats{})); diff != "" {
		t.Errorf("free stats changed after a reverted store/delete (-want +got):\n%s", diff)
	}
}

// Test_Check_PassesAgainstUsedAndFreeRecords exercises Check's P1-P4 walk
// against a database that actually has both live and free records, unlike
// a freshly-created empty file: enough keys are stored and a third deleted
// to populate both the hash index and at least one free-list bucket.
func Test_Check_PassesAgainstUsedAndFreeRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 7)

	keys := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		key := []byte(fmt.Sprintf("key-%03d-%s", i, strings.Repeat("x", i%13+1)))
		if err := db.Store(key, []byte(strings.Repeat("v", i%7+1)), Replace); err != nil {
			t.Fatalf("Store(%q): %v", key, err)
		}
		keys = append(keys, key)
	}
	deleted := 0
	for i := 0; i < len(keys); i += 3 {
		if err := db.Delete(keys[i]); err != nil {
			t.Fatalf("Delete(%q): %v", keys[i], err)
		}
		deleted++
	}

	fs, err := db.computeFreeStats()
	if err != nil {
		t.Fatalf("computeFreeStats: %v", err)
	}
	hasFreeRecord := false
	for _, c := range fs.counts {
		if c > 0 {
			hasFreeRecord = true
			break
		}
	}
	if !hasFreeRecord {
		t.Fatal("test setup produced no free records; Check would not exercise checkFreeLists")
	}

	var seen int
	if err := db.Check(func(key, val []byte) error {
		seen++
		return nil
	}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if want := len(keys) - deleted; seen != want {
		t.Errorf("Check visited %d live records, want %d", seen, want)
	}
}

// Test_Check_DetectsFreeListBucketMismatch corrupts a free record's bucket
// membership directly (P3) and confirms Check reports it rather than
// silently trusting the free-table's bucket assignment.
func Test_Check_DetectsFreeListBucketMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 3)

	key := []byte("will-be-deleted")
	if err := db.Store(key, []byte(strings.Repeat("v", 200)), Replace); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := db.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	fs, err := db.computeFreeStats()
	if err != nil {
		t.Fatalf("computeFreeStats: %v", err)
	}
	var bucket int
	var recOff int64
	for b, c := range fs.counts {
		if c == 0 {
			continue
		}
		bucket = b
		off, err := db.readFTableBucketHead(db.freeTable, b)
		if err != nil {
			t.Fatalf("readFTableBucketHead: %v", err)
		}
		recOff = off
		break
	}
	if recOff == 0 {
		t.Fatal("test setup produced no free record to corrupt")
	}

	rec, err := db.readFreeRecord(recOff)
	if err != nil {
		t.Fatalf("readFreeRecord: %v", err)
	}
	wrongBucket := bucket + 1
	if wrongBucket >= freeBuckets {
		wrongBucket = bucket - 1
	}
	if err := db.unlinkFreeRecord(db.freeTable, bucket, recOff); err != nil {
		t.Fatalf("unlinkFreeRecord: %v", err)
	}
	if err := db.linkFreeRecordHead(db.freeTable, wrongBucket, recOff, int64(rec.length)); err != nil {
		t.Fatalf("linkFreeRecordHead: %v", err)
	}

	err = db.Check(nil)
	if err == nil {
		t.Fatal("Check passed against a free record linked into the wrong bucket, want error")
	}
	if !strings.Contains(err.Error(), "belongs in bucket") {
		t.Errorf("Check error = %v, want mention of the bucket mismatch", err)
	}
}

// Test_Check_DetectsByteAdjacentUncoalescedFreeRecords constructs two
// free records directly adjacent in the file without going through free's
// coalescing path, violating P4, and confirms Check catches it.
func Test_Check_DetectsByteAdjacentUncoalescedFreeRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.tdb2")
	db := openTestDB(t, path, ReadWrite, 9)

	// Touch the database so Open has already laid out the header and an
	// empty free table before we start appending raw free records past EOF.
	if err := db.Store([]byte("seed"), []byte("v"), Replace); err != nil {
		t.Fatalf("Store: %v", err)
	}

	const recLen = 64
	off1 := db.acc.size()
	off2 := off1 + freeRecordHeaderSize + recLen
	newSize := off2 + freeRecordHeaderSize + recLen
	if err := db.acc.ensure(0, int(newSize)); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := db.linkFreeRecordHead(db.freeTable, sizeToBucket(recLen), off1, recLen); err != nil {
		t.Fatalf("linkFreeRecordHead(off1): %v", err)
	}
	if err := db.linkFreeRecordHead(db.freeTable, sizeToBucket(recLen), off2, recLen); err != nil {
		t.Fatalf("linkFreeRecordHead(off2): %v", err)
	}

	err := db.Check(nil)
	if err == nil {
		t.Fatal("Check passed against two byte-adjacent uncoalesced free records, want error")
	}
	if !strings.Contains(err.Error(), "adjacent") {
		t.Errorf("Check error = %v, want mention of adjacency", err)
	}
}
