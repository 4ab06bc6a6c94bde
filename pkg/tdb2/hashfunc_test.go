package tdb2

import "testing"

func Test_JenkinsHash64_IsDeterministic(t *testing.T) {
	t.Parallel()

	data := []byte("some key")
	h1 := jenkinsHash64(data, 42)
	h2 := jenkinsHash64(data, 42)

	if h1 != h2 {
		t.Fatalf("jenkinsHash64(%q, 42) returned %d then %d, want equal", data, h1, h2)
	}
}

func Test_JenkinsHash64_DiffersBySeed(t *testing.T) {
	t.Parallel()

	data := []byte("some key")
	if jenkinsHash64(data, 1) == jenkinsHash64(data, 2) {
		t.Fatalf("jenkinsHash64(%q, 1) == jenkinsHash64(%q, 2), want different seeds to diverge", data, data)
	}
}

func Test_JenkinsHash64_DiffersByKey(t *testing.T) {
	t.Parallel()

	if jenkinsHash64([]byte("a"), 0) == jenkinsHash64([]byte("b"), 0) {
		t.Fatal("jenkinsHash64(\"a\", 0) == jenkinsHash64(\"b\", 0), want different keys to diverge")
	}
}

func Test_ComputeHashTest_MatchesAcrossCalls(t *testing.T) {
	t.Parallel()

	seed := uint64(0xDEADBEEF)
	if computeHashTest(jenkinsHash64, seed) != computeHashTest(jenkinsHash64, seed) {
		t.Fatal("computeHashTest is not deterministic for the same hash function and seed")
	}
}

func Test_TopBitsOf_Extracts10Bits(t *testing.T) {
	t.Parallel()

	hash := uint64(0x3FF) << 54 // all 10 top bits set
	if got := topBitsOf(hash); got != 0x3FF {
		t.Fatalf("topBitsOf(%#x) = %#x, want %#x", hash, got, 0x3FF)
	}

	hash = uint64(1) << 63 // only the very top bit set
	if got := topBitsOf(hash); got != 0x200 {
		t.Fatalf("topBitsOf(%#x) = %#x, want %#x", hash, got, 0x200)
	}
}

func Test_ExtraHashAt_AgreesAtSameDepth(t *testing.T) {
	t.Parallel()

	hash := jenkinsHash64([]byte("agreement key"), 7)

	for _, depth := range []uint8{10, 16, 22, 28} {
		a := extraHashAt(hash, depth)
		b := extraHashAt(hash, depth)
		if a != b {
			t.Fatalf("extraHashAt(%#x, %d) returned %d then %d, want equal", hash, depth, a, b)
		}
		if a > 0x7F {
			t.Fatalf("extraHashAt(%#x, %d) = %d, want <= 0x7F", hash, depth, a)
		}
	}
}

func Test_ExtraHashAt_ZeroWhenTooFewBitsRemain(t *testing.T) {
	t.Parallel()

	if got := extraHashAt(^uint64(0), 60); got != 0 {
		t.Fatalf("extraHashAt with <7 bits remaining = %d, want 0", got)
	}
}
