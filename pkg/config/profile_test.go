package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/litebind/pkg/sqlite"
)

func TestLoad(t *testing.T) {
	t.Setenv(dbPathEnv, "")

	t.Run("yaml", func(t *testing.T) {
		p, err := Load("testdata/profile.yml", nil)
		require.NoError(t, err)
		assert.Equal(t, "test.db", p.Path)
		assert.Equal(t, 2*time.Second, p.Timeout())
		assert.Equal(t, []string{"journal_mode=WAL", "foreign_keys = ON"}, p.Pragmas, "duplicates dropped")
		assert.Len(t, p.Init, 2)
		assert.True(t, p.Extensions)
		assert.False(t, p.ReadOnly)
	})

	t.Run("toml", func(t *testing.T) {
		p, err := Load("testdata/profile.toml", nil)
		require.NoError(t, err)
		assert.Equal(t, "test.db", p.Path)
		assert.Equal(t, 500*time.Millisecond, p.Timeout())
		assert.Equal(t, []string{"foreign_keys=ON"}, p.Pragmas)
		assert.True(t, p.Extensions)
	})

	t.Run("overrides", func(t *testing.T) {
		p, err := Load("testdata/profile.toml", &Overrides{Path: "other.db"})
		require.NoError(t, err)
		assert.Equal(t, "other.db", p.Path)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Load("testdata/bad.yml", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "5 errors occurred")
		assert.Contains(t, err.Error(), "database path is not set")
		assert.Contains(t, err.Error(), `bad busy timeout "soon"`)
		assert.Contains(t, err.Error(), "bad pragma")
		assert.Contains(t, err.Error(), "init statement 0 is empty")
		assert.Contains(t, err.Error(), "not allowed in read-only mode")
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Load("testdata/unknown.yml", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no_such_field")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("testdata/nope.yml", nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown format", func(t *testing.T) {
		fname := filepath.Join(t.TempDir(), "profile.json")
		require.NoError(t, os.WriteFile(fname, []byte(`{}`), 0o600))
		_, err := Load(fname, nil)
		assert.ErrorContains(t, err, "unknown profile format")
	})

	t.Run("path from env", func(t *testing.T) {
		t.Setenv(dbPathEnv, "env.db")
		p, err := Load("testdata/bad.yml", nil)
		require.Error(t, err, "still invalid")
		assert.Nil(t, p)

		p, err = New("", nil)
		require.NoError(t, err)
		assert.Equal(t, "env.db", p.Path)
	})
}

func TestProfile_Open(t *testing.T) {
	t.Setenv(dbPathEnv, "")
	dbFile := filepath.Join(t.TempDir(), "test.db")

	p, err := Load("testdata/profile.yml", &Overrides{Path: dbFile})
	require.NoError(t, err)
	conn, err := p.Open()
	require.NoError(t, err)

	mode, err := sqlite.ExecMap(conn, "PRAGMA journal_mode", func(s *sqlite.Stmt) (string, error) {
		v, _ := s.Text(0)
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wal"}, mode)

	res, err := sqlite.ExecMap(conn, "SELECT v, uuid_valid(uuid()) FROM kv WHERE k = 'version'", func(s *sqlite.Stmt) ([]any, error) {
		return s.Values(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"1", int64(1)}}, res)
	require.NoError(t, conn.Exec("PRAGMA journal_mode=DELETE"))
	require.NoError(t, conn.Close())

	t.Run("read only", func(t *testing.T) {
		ro, err := New(dbFile, &Overrides{ReadOnly: true})
		require.NoError(t, err)
		conn, err := ro.Open()
		require.NoError(t, err)
		defer conn.Close()
		err = conn.Exec("INSERT INTO kv VALUES ('a', 'b')")
		require.Error(t, err)
		assert.True(t, sqlite.IsCode(err, sqlite.CodeReadOnly), "got %v", err)
		_, err = sqlite.ExecMap(conn, "SELECT uuid()", func(s *sqlite.Stmt) (any, error) { return nil, nil })
		assert.Error(t, err, "no extensions without the flag")
	})

	t.Run("bad init rolls back", func(t *testing.T) {
		bad := &Profile{Path: dbFile, Init: []string{"INSERT INTO kv VALUES ('x', 'y')", "INSERT INTO nope VALUES (1)"}}
		require.NoError(t, bad.check())
		conn, err := bad.Open()
		require.Error(t, err)
		assert.Nil(t, conn)
		assert.Contains(t, err.Error(), "init statement 1 failed")

		good, err := New(dbFile, nil)
		require.NoError(t, err)
		conn, err = good.Open()
		require.NoError(t, err)
		defer conn.Close()
		n, err := sqlite.ExecMap(conn, "SELECT count(*) FROM kv WHERE k = 'x'", func(s *sqlite.Stmt) (int64, error) {
			v, _ := s.Int64(0)
			return v, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{0}, n)
	})

	t.Run("missing read only db", func(t *testing.T) {
		ro, err := New(filepath.Join(t.TempDir(), "missing.db"), &Overrides{ReadOnly: true})
		require.NoError(t, err)
		_, err = ro.Open()
		require.Error(t, err)
		assert.True(t, sqlite.IsCode(err, sqlite.CodeCantOpen), "got %v", err)
	})
}
