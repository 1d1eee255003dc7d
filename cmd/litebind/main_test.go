package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/litebind/pkg/secrets"
	"github.com/umputun/litebind/pkg/sqlite"
)

// runArgs parses args like the command line and runs the active command.
func runArgs(t *testing.T, table bool, args ...string) (string, error) {
	t.Helper()
	var opts options
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs(args)
	require.NoError(t, err)
	var out bytes.Buffer
	err = run(context.Background(), p, opts, &out, table)
	return out.String(), err
}

func TestRun_ExecQuery(t *testing.T) {
	t.Setenv("LITEBIND_DB", "")
	t.Setenv("LITEBIND_PROFILE", "")
	t.Setenv("LITEBIND_SECRETS_KEY", "")
	db := filepath.Join(t.TempDir(), "test.db")

	out, err := runArgs(t, false, "--db", db, "exec",
		"CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, data BLOB, score REAL)",
		"INSERT INTO t (name, data, score) VALUES ('a', x'0102', 1.5), ('b', NULL, 2)")
	require.NoError(t, err)
	assert.Equal(t, "changes: 2, last insert id: 2\n", out)

	t.Run("tsv", func(t *testing.T) {
		out, err := runArgs(t, false, "--db", db, "query", "SELECT id, name, data, score FROM t ORDER BY id")
		require.NoError(t, err)
		assert.Equal(t, "id\tname\tdata\tscore\n1\ta\tx'0102'\t1.5\n2\tb\tNULL\t2\n", out)
	})

	t.Run("table", func(t *testing.T) {
		out, err := runArgs(t, true, "--db", db, "query", "SELECT id, name FROM t ORDER BY id")
		require.NoError(t, err)
		assert.Contains(t, out, "| id | name |")
		assert.Contains(t, out, "|  1 | a    |")
		assert.Contains(t, out, "+----+------+")
	})

	t.Run("no rows", func(t *testing.T) {
		out, err := runArgs(t, false, "--db", db, "query", "SELECT id FROM t WHERE 0")
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("extensions", func(t *testing.T) {
		out, err := runArgs(t, false, "--db", db, "--ext", "query", "SELECT truncate('hello world', 8) AS v")
		require.NoError(t, err)
		assert.Equal(t, "v\nhello...\n", out)

		_, err = runArgs(t, false, "--db", db, "query", "SELECT truncate('hello world', 8)")
		require.Error(t, err)
	})

	t.Run("failed exec rolls back", func(t *testing.T) {
		_, err := runArgs(t, false, "--db", db, "exec", "INSERT INTO t (name) VALUES ('c')", "INSERT INTO nope VALUES (1)")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "statement 2 failed")
		out, err := runArgs(t, false, "--db", db, "query", "SELECT count(*) AS n FROM t")
		require.NoError(t, err)
		assert.Equal(t, "n\n2\n", out)
	})

	t.Run("read only", func(t *testing.T) {
		_, err := runArgs(t, false, "--db", db, "--read-only", "exec", "DELETE FROM t")
		require.Error(t, err)
		assert.True(t, sqlite.IsCode(err, sqlite.CodeReadOnly), "got %v", err)
	})

	t.Run("no db", func(t *testing.T) {
		_, err := runArgs(t, false, "query", "SELECT 1")
		assert.ErrorContains(t, err, "database path is not set")
	})
}

func TestRun_Profile(t *testing.T) {
	t.Setenv("LITEBIND_DB", "")
	dir := t.TempDir()
	prof := filepath.Join(dir, "profile.yml")
	db := filepath.Join(dir, "prof.db")
	require.NoError(t, os.WriteFile(prof, []byte("path: "+db+"\nextensions: true\ninit:\n  - CREATE TABLE IF NOT EXISTS t (v TEXT)\n"), 0o600))

	out, err := runArgs(t, false, "--profile", prof, "exec", "INSERT INTO t VALUES (uuid())")
	require.NoError(t, err)
	assert.Equal(t, "changes: 1, last insert id: 1\n", out)

	out, err = runArgs(t, false, "--profile", prof, "query", "SELECT uuid_valid(v) AS ok FROM t")
	require.NoError(t, err)
	assert.Equal(t, "ok\n1\n", out)
}

func TestRun_Check(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.db", "b.db", "c.db"} {
		f := filepath.Join(dir, name)
		conn, err := sqlite.Open(f)
		require.NoError(t, err)
		require.NoError(t, conn.Exec("CREATE TABLE t (v INTEGER)"))
		require.NoError(t, conn.Close())
		files = append(files, f)
	}

	out, err := runArgs(t, false, append([]string{"--concurrent", "2", "check"}, files...)...)
	require.NoError(t, err)
	assert.Equal(t, files[0]+": ok\n"+files[1]+": ok\n"+files[2]+": ok\n", out)

	t.Run("bad files", func(t *testing.T) {
		garbage := filepath.Join(dir, "garbage.db")
		require.NoError(t, os.WriteFile(garbage, []byte(strings.Repeat("not a database ", 100)), 0o600))
		out, err := runArgs(t, false, "check", files[0], dir, garbage)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 errors occurred")
		assert.Contains(t, err.Error(), dir+" is not a file")
		assert.Contains(t, out, files[0]+": ok")
		assert.Contains(t, out, garbage+": failed")
	})
}

func TestRun_Secrets(t *testing.T) {
	t.Setenv("LITEBIND_SECRETS_KEY", "")
	db := filepath.Join(t.TempDir(), "secrets.db")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	_, err := runArgs(t, false, "--db", db, "secrets", "get", "key1")
	assert.ErrorContains(t, err, "secrets key is required")

	tests := []struct {
		name      string
		args      []string
		wantOut   string
		wantLog   string
		wantError bool
	}{
		{name: "set secret", args: []string{"set", "key1", "value1"}, wantLog: "set command, key=key1"},
		{name: "set secret, no value", args: []string{"set", "key1"}, wantLog: "set command, key=key1", wantError: true},
		{name: "set another", args: []string{"set", "abc/key2", "value2"}},
		{name: "get secret", args: []string{"get", "key1"}, wantOut: "value1\n", wantLog: "get command, key=key1"},
		{name: "list with prefix", args: []string{"list", "abc"}, wantOut: "abc/key2\n", wantLog: `list command, key-prefix="abc"`},
		{name: "list all", args: []string{"list"}, wantOut: "abc/key2\nkey1\n"},
		{name: "delete secret", args: []string{"del", "key1"}, wantLog: "key=key1 deleted"},
		{name: "delete non-existent secret", args: []string{"del", "key1"}, wantError: true},
		{name: "get non-existent secret", args: []string{"get", "key1"}, wantError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			out, err := runArgs(t, false, append([]string{"--db", db, "--key", "secretkey", "secrets"}, tc.args...)...)
			if tc.wantError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantOut, out)
			assert.Contains(t, buf.String(), tc.wantLog)
		})
	}
}

func TestSecretsCmd(t *testing.T) {
	sp := secrets.NewMemoryProvider(map[string]string{"k1": "v1"})
	var opts options
	opts.SecretsCmd.GetCmd.PositionalArgs.Key = "k1"
	var out bytes.Buffer
	require.NoError(t, secretsCmd(sp, "get", opts, &out))
	assert.Equal(t, "v1\n", out.String())

	opts.SecretsCmd.DeleteCmd.PositionalArgs.Key = "k1"
	require.NoError(t, secretsCmd(sp, "del", opts, &out))
	err := secretsCmd(sp, "get", opts, &out)
	assert.ErrorIs(t, err, secrets.ErrNotFound)
	assert.Error(t, secretsCmd(sp, "nope", opts, &out))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "-3", formatValue(int64(-3)))
	assert.Equal(t, "0.1", formatValue(0.1))
	assert.Equal(t, "1e+21", formatValue(1e21))
	assert.Equal(t, "txt", formatValue("txt"))
	assert.Equal(t, "x''", formatValue([]byte{}))
	assert.Equal(t, "x'ff00'", formatValue([]byte{0xff, 0}))
}

func TestMain_Exit(t *testing.T) {
	var code int
	exitFunc = func(c int) { code = c }
	defer func() { exitFunc = os.Exit }()

	os.Args = []string{"litebind", "--no-such-flag"}
	main()
	assert.Equal(t, 1, code)
}
