package secrets

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/litebind/pkg/sqlite"
)

func TestInternalProvider_EncryptionDecryption(t *testing.T) {
	p := &InternalProvider{key: []byte("test_key")}

	er, err := p.encrypt("test_value")
	require.NoError(t, err)
	t.Logf("encrypted value: %s", er)
	dr, err := p.decrypt(er)
	require.NoError(t, err)
	assert.Equal(t, "test_value", dr)

	er2, err := p.encrypt("test_value")
	require.NoError(t, err)
	assert.NotEqual(t, er, er2, "random salt and nonce")

	other := &InternalProvider{key: []byte("other_key")}
	_, err = other.decrypt(er)
	assert.EqualError(t, err, "failed to decrypt")

	_, err = p.decrypt("c2hvcnQ=")
	assert.Error(t, err)
	_, err = p.decrypt("not base64!")
	assert.Error(t, err)
}

func TestInternalProvider(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "secrets.db")
	provider, err := OpenInternalProvider(dbFile, []byte("test_key"))
	require.NoError(t, err)

	err = provider.Set("test_key", "test_value")
	require.NoError(t, err)

	secret, err := provider.Get("test_key")
	require.NoError(t, err)
	assert.Equal(t, "test_value", secret)

	require.NoError(t, provider.Set("test_key", "updated"))
	secret, err = provider.Get("test_key")
	require.NoError(t, err)
	assert.Equal(t, "updated", secret)

	require.NoError(t, provider.Set("app/db", "pass1"))
	require.NoError(t, provider.Set("app/api", "pass2"))
	require.NoError(t, provider.Set("app%x", "pass3"))

	keys, err := provider.List("app/")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/api", "app/db"}, keys)
	keys, err = provider.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"app%x", "app/api", "app/db", "test_key"}, keys)
	keys, err = provider.List("nope")
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = provider.Delete("test_key")
	require.NoError(t, err)
	_, err = provider.Get("test_key")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, provider.Delete("test_key"), ErrNotFound)
	require.NoError(t, provider.Close())

	// reopen, values survive and need the same key
	provider, err = OpenInternalProvider(dbFile, []byte("test_key"))
	require.NoError(t, err)
	secret, err = provider.Get("app/db")
	require.NoError(t, err)
	assert.Equal(t, "pass1", secret)
	require.NoError(t, provider.Close())

	provider, err = OpenInternalProvider(dbFile, []byte("wrong"))
	require.NoError(t, err)
	_, err = provider.Get("app/db")
	assert.ErrorContains(t, err, "failed to decrypt")
	require.NoError(t, provider.Close())
}

func TestInternalProvider_SharedConn(t *testing.T) {
	conn, err := sqlite.Memory()
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewInternalProvider(conn, nil)
	require.Error(t, err)

	p, err := NewInternalProvider(conn, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, p.Set("a", "b"))
	require.NoError(t, p.Close(), "not owned, connection stays open")
	assert.Equal(t, 0, conn.OpenStatements())

	v, err := p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestStoreImplementations(t *testing.T) {
	var _ Store = &InternalProvider{}
	var _ Store = &MemoryProvider{}
}
