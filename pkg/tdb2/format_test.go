package tdb2

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_EncodeDecodeUsedHeader_RoundTrips(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		magic        uint16
		keyLen       int
		dataLen      int
		extraPadding uint32
		hash         uint64
	}{
		{"empty key and data", magicUsed, 0, 0, 0, 0},
		{"short key", magicUsed, 3, 10, 0, 0xABCD},
		{"long key needs more klen bits", magicUsed, 1000, 0, 7, 0xFFFF},
		{"htable wrapper", magicHTable, 0, htableDataSize, 0, 0},
		{"chain wrapper with padding", magicChain, 0, chainDataSize, 128, 0x1234},
		{"max extra padding", magicUsed, 5, 5, 0xFFFFFFFF, 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w1, w2 := encodeUsedHeader(tc.magic, tc.keyLen, tc.dataLen, tc.extraPadding, tc.hash)
			got := decodeUsedHeader(w1, w2)

			want := usedHeader{
				magic:        tc.magic,
				keyLen:       uint64(tc.keyLen),
				dataLen:      uint64(tc.dataLen),
				extraPadding: tc.extraPadding,
				truncHash:    uint16(tc.hash & truncHashMask),
				klenBits:     got.klenBits, // derived from keyLen, not independently asserted here
			}
			if diff := cmp.Diff(want, got, cmp.AllowUnexported(usedHeader{})); diff != "" {
				t.Errorf("decodeUsedHeader(encodeUsedHeader(...)) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_KlenBitsFor_FitsKeyLenInTwoToTheKBits(t *testing.T) {
	t.Parallel()

	cases := []uint64{0, 1, 3, 4, 1000, 1 << 20}

	for _, keyLen := range cases {
		k := klenBitsFor(keyLen)
		limit := uint64(1) << (2 * k)
		if keyLen >= limit && k != klenFieldMask {
			t.Errorf("klenBitsFor(%d) = %d, but 2^(2*%d) = %d <= keyLen", keyLen, k, k, limit)
		}
	}
}

func Test_EncodeDecodeFreeHeader_RoundTrips(t *testing.T) {
	t.Parallel()

	h := freeHeader{ftableIdx: 12, prevOff: 0xABCDEF, length: 4096, next: 0x112233}
	w1, w2, w3 := encodeFreeHeader(h)
	got := decodeFreeHeader(w1, w2, w3)

	if diff := cmp.Diff(h, got, cmp.AllowUnexported(freeHeader{})); diff != "" {
		t.Fatalf("decodeFreeHeader(encodeFreeHeader(...)) mismatch (-want +got):\n%s", diff)
	}
}

func Test_EncodeDecodeSlot_RoundTrips(t *testing.T) {
	t.Parallel()

	cases := []struct {
		offset    uint64
		home      uint8
		extraHash uint8
		isSubhash bool
	}{
		{0, 0, 0, false},
		{1 << 40, 7, 0x7F, true},
		{8504, 3, 42, false},
	}

	for _, tc := range cases {
		s := encodeSlot(tc.offset, tc.home, tc.extraHash, tc.isSubhash)
		offset, home, extraHash, isSubhash := decodeSlot(s)

		if offset != tc.offset || home != tc.home || extraHash != tc.extraHash || isSubhash != tc.isSubhash {
			t.Errorf("decodeSlot(encodeSlot(%d, %d, %d, %v)) = (%d, %d, %d, %v)",
				tc.offset, tc.home, tc.extraHash, tc.isSubhash, offset, home, extraHash, isSubhash)
		}
	}

	if !slotEmpty(0) {
		t.Error("slotEmpty(0) = false, want true")
	}
	if slotEmpty(encodeSlot(1, 0, 0, false)) {
		t.Error("slotEmpty(non-zero slot) = true, want false")
	}
}

func Test_HeaderSize_MatchesSpecLayout(t *testing.T) {
	t.Parallel()

	if headerSize != 8504 {
		t.Fatalf("headerSize = %d, want 8504", headerSize)
	}
	if topLevelBuckets != 1024 {
		t.Fatalf("topLevelBuckets = %d, want 1024", topLevelBuckets)
	}
}
