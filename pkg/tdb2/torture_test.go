package tdb2

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// tortureAgentEnv names the environment variable the torture test uses to
// re-exec the test binary as a subprocess that hammers a single file.
const tortureAgentEnv = "TDB2_TORTURE_AGENT_PATH"

// TestMain intercepts the torture test's re-exec before any of the
// package's normal tests run. spec.md scenario 6 calls for "N processes"
// against one file, not N goroutines: a DB handle is documented as unsafe
// for concurrent use by multiple goroutines without external
// synchronization, and opening the same file twice within one process is
// deliberately rejected by the open-handle registry, so goroutines cannot
// stand in for processes. Real subprocesses, each with their own registry and
// holding real fcntl locks visible across process boundaries, are the
// faithful simulation - the same role `test/external-agent.c` plays for
// the original's own torture and crash-recovery tests.
func TestMain(m *testing.M) {
	if path := os.Getenv(tortureAgentEnv); path != "" {
		os.Exit(runTortureAgent(path))
	}
	os.Exit(m.Run())
}

// runTortureAgent opens path in this process and performs a short burst
// of random mixed operations, returning a process exit code. Any
// operation's error is ignored except Open's: spec.md's invariants allow
// individual calls to fail under contention (ErrLock,
// ErrNoExist), the torture scenario only cares that the file stays
// structurally sound afterward.
func runTortureAgent(path string) int {
	seed := uint64(29)
	db, err := Open(path, ReadWrite, 0o644, &Attrs{HashSeed: &seed})
	if err != nil {
		fmt.Fprintf(os.Stderr, "torture agent: Open: %v\n", err)
		return 1
	}
	defer db.Close()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))
	const ops = 150
	const keySpace = 40

	for i := 0; i < ops; i++ {
		key := []byte(fmt.Sprintf("k-%d", rnd.Intn(keySpace)))

		switch rnd.Intn(5) {
		case 0:
			_ = db.Store(key, []byte("v"), Replace)
		case 1:
			_ = db.Delete(key)
		case 2:
			_ = db.Store(key, []byte("seed"), Replace)
			_ = db.Append(key, []byte("+more"))
		case 3:
			_, _ = db.Traverse(func(k, v []byte) int { return 0 })
		case 4:
			if err := db.ChainLock(key); err == nil {
				_ = db.ChainUnlock(key)
			}
		}
	}

	return 0
}

// Test_Torture_MultipleProcessesAgainstOneFile spawns several real
// subprocesses performing a random mix of store/delete/append/traverse/
// chainlock against one shared file and confirms a final Check still
// passes - spec.md scenario 6. Skipped under -short since it forks a
// handful of processes and is deliberately heavier than the rest of the
// package's tests.
func Test_Torture_MultipleProcessesAgainstOneFile(t *testing.T) {
	if testing.Short() {
		t.Skip("torture test skipped in -short mode")
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.tdb2")
	seed := uint64(29)
	setup, err := Open(path, ReadWrite, 0o644, &Attrs{HashSeed: &seed})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := setup.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	const agents = 6
	errs := make(chan error, agents)
	for i := 0; i < agents; i++ {
		go func() {
			cmd := exec.Command(exe)
			cmd.Env = append(os.Environ(), tortureAgentEnv+"="+path)
			out, err := cmd.CombinedOutput()
			if err != nil {
				errs <- fmt.Errorf("torture agent failed: %v: %s", err, out)
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < agents; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}

	final, err := Open(path, ReadWrite, 0o644, &Attrs{HashSeed: &seed})
	if err != nil {
		t.Fatalf("final Open: %v", err)
	}
	defer final.Close()

	if err := final.Check(nil); err != nil {
		t.Fatalf("Check after multi-process torture run: %v", err)
	}
}
