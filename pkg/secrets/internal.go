package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umputun/litebind/pkg/sqlite"
)

// InternalProvider is a secret provider that stores secrets in a sqlite table, encrypted.
// It is safe for concurrent use, calls are serialized on the single connection.
type InternalProvider struct {
	mu    sync.Mutex
	conn  *sqlite.Conn
	owned bool
	key   []byte
}

// OpenInternalProvider opens (or creates) the database at path and makes a provider owning the connection.
func OpenInternalProvider(path string, key []byte) (*InternalProvider, error) {
	conn, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening secrets database: %w", err)
	}
	p, err := NewInternalProvider(conn, key)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewInternalProvider creates a provider on top of an open connection. The
// connection stays owned by the caller and must not be used concurrently with the provider.
func NewInternalProvider(conn *sqlite.Conn, key []byte) (*InternalProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("secrets key can't be empty")
	}
	if err := conn.Exec(`CREATE TABLE IF NOT EXISTS secrets (skey TEXT PRIMARY KEY, sval TEXT NOT NULL)`); err != nil {
		return nil, fmt.Errorf("can't create secrets table: %w", err)
	}
	log.Printf("[DEBUG] secrets provider: using %s", conn.Path())
	return &InternalProvider{conn: conn, key: key}, nil
}

// Close closes the connection if the provider opened it.
func (p *InternalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owned {
		return nil
	}
	return p.conn.Close()
}

// Get retrieves a secret from the database, decrypts it, and returns it.
func (p *InternalProvider) Get(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var encrypted string
	found := false
	err := p.query("SELECT sval FROM secrets WHERE skey = :key", map[string]any{":key": key}, func(s *sqlite.Stmt) error {
		encrypted, found = s.Text(0)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("can't load secret for %s: %w", key, err)
	}
	if !found {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	decrypted, err := p.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	return decrypted, nil
}

// Set stores a secret in the database, encrypted.
func (p *InternalProvider) Set(key, value string) error {
	encrypted, err := p.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.query("INSERT OR REPLACE INTO secrets (skey, sval) VALUES (:key, :val)",
		map[string]any{":key": key, ":val": encrypted}, nil)
	if err != nil {
		return fmt.Errorf("error inserting secret: %w", err)
	}
	return nil
}

// Delete removes a secret from the database.
func (p *InternalProvider) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.query("DELETE FROM secrets WHERE skey = :key", map[string]any{":key": key}, nil); err != nil {
		return fmt.Errorf("error deleting secret for %s: %w", key, err)
	}
	if p.conn.Changes() == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

// List retrieves sorted secret keys with an optional prefix filter. Empty prefix or "*" lists all keys.
func (p *InternalProvider) List(prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, params := "SELECT skey FROM secrets ORDER BY skey", map[string]any{}
	if prefix != "*" && prefix != "" {
		q = "SELECT skey FROM secrets WHERE substr(skey, 1, length(:prefix)) = :prefix ORDER BY skey"
		params[":prefix"] = prefix
	}

	var keys []string
	err := p.query(q, params, func(s *sqlite.Stmt) error {
		k, _ := s.Text(0)
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing secrets: %w", err)
	}
	return keys, nil
}

// query runs q with named params and calls fn for every row. fn can be nil for statements without rows.
func (p *InternalProvider) query(q string, params map[string]any, fn func(s *sqlite.Stmt) error) (err error) {
	stmt, err := p.conn.Prepare(q)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := stmt.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err = stmt.BindValues(params); err != nil {
		return err
	}
	for {
		row, err := stmt.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
		if fn == nil {
			continue
		}
		if err := fn(stmt); err != nil {
			return err
		}
	}
}

// encrypt seals data with NaCl secretbox. The output is base64 of nonce(24) + salt(16) + sealed data,
// the box key is derived from the provider's key and the random salt.
func (p *InternalProvider) encrypt(data string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	nonce := new([24]byte)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	out := make([]byte, 24+16)
	copy(out, nonce[:])
	copy(out[24:], salt)

	sealed := secretbox.Seal(out, []byte(data), nonce, naclKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt.
func (p *InternalProvider) decrypt(encodedData string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encodedData)
	if err != nil {
		return "", err
	}
	if len(sealed) < 24+16+secretbox.Overhead {
		return "", errors.New("encrypted data is too short")
	}

	nonce := new([24]byte)
	copy(nonce[:], sealed[:24])

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, sealed[24:40]))

	decrypted, ok := secretbox.Open(nil, sealed[40:], nonce, naclKey)
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(decrypted), nil
}

// deriveKey makes a 32 bytes box key with argon2id: 1 pass, 64MiB, 4 threads.
func deriveKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
