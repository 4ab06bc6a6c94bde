package tdbcli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, dbPath string, args ...string) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer
	full := append([]string{"tdb2", "--db", dbPath}, args...)
	code = Run(nil, &out, &errOut, full, map[string]string{}, nil)

	return out.String(), errOut.String(), code
}

func Test_CLI_StoreThenFetch_RoundTrips(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")

	_, stderr, code := runCLI(t, dbPath, "store", "greeting", "hello there")
	require.Equalf(t, 0, code, "store: stderr=%s", stderr)

	stdout, stderr, code := runCLI(t, dbPath, "fetch", "greeting")
	require.Equalf(t, 0, code, "fetch: stderr=%s", stderr)
	require.Equal(t, "hello there", strings.TrimSpace(stdout))
}

func Test_CLI_Fetch_MissingKey_WarnsButSucceeds(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "k", "v") // create the file

	stdout, stderr, code := runCLI(t, dbPath, "fetch", "missing")
	require.Equal(t, 1, code, "warning exit code")
	require.Empty(t, stdout)
	require.Contains(t, stderr, "not found")
}

func Test_CLI_Exists(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "k", "v")

	stdout, _, code := runCLI(t, dbPath, "exists", "k")
	require.Equal(t, 0, code)
	require.Equal(t, "true", strings.TrimSpace(stdout))

	stdout, _, code = runCLI(t, dbPath, "exists", "nope")
	require.Equal(t, 1, code)
	require.Equal(t, "false", strings.TrimSpace(stdout))
}

func Test_CLI_Delete(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "k", "v")

	_, stderr, code := runCLI(t, dbPath, "delete", "k")
	require.Equalf(t, 0, code, "delete: stderr=%s", stderr)

	stdout, _, _ := runCLI(t, dbPath, "exists", "k")
	require.Equal(t, "false", strings.TrimSpace(stdout))
}

func Test_CLI_Append(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "k", "foo")
	runCLI(t, dbPath, "append", "k", "bar")

	stdout, _, code := runCLI(t, dbPath, "fetch", "k")
	require.Equal(t, 0, code)
	require.Equal(t, "foobar", strings.TrimSpace(stdout))
}

func Test_CLI_Dump_ListsAllKeys(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "a", "1")
	runCLI(t, dbPath, "store", "b", "2")

	stdout, stderr, code := runCLI(t, dbPath, "dump")
	require.Equalf(t, 0, code, "dump: stderr=%s", stderr)
	require.Contains(t, stdout, "a\t1")
	require.Contains(t, stdout, "b\t2")
}

func Test_CLI_Check_PassesOnFreshDatabase(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "k", "v")

	stdout, stderr, code := runCLI(t, dbPath, "check")
	require.Equalf(t, 0, code, "check: stderr=%s", stderr)
	require.Equal(t, "ok", strings.TrimSpace(stdout))
}

func Test_CLI_Summary_ProducesNonEmptyReport(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")
	runCLI(t, dbPath, "store", "k", "v")

	stdout, stderr, code := runCLI(t, dbPath, "summary")
	require.Equalf(t, 0, code, "summary: stderr=%s", stderr)
	require.NotEmpty(t, stdout)
}

func Test_CLI_PrintConfig_ReportsResolvedDBPath(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")

	stdout, stderr, code := runCLI(t, dbPath, "print-config")
	require.Equalf(t, 0, code, "print-config: stderr=%s", stderr)
	require.Contains(t, stdout, "db_path="+dbPath)
}

func Test_CLI_UnknownCommand_Fails(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")

	_, stderr, code := runCLI(t, dbPath, "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unknown command")
}

func Test_CLI_StoreMissingValue_Fails(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.tdb2")

	_, stderr, code := runCLI(t, dbPath, "store", "onlykey")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, ErrValueRequired.Error())
}
