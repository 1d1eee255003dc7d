// Package secrets implements a key/value store for sensitive values. The main
// implementation keeps values encrypted in a sqlite table.
package secrets

import "errors"

// ErrNotFound is returned when a key is not in the store.
var ErrNotFound = errors.New("secret not found")

// Store is a secrets store.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	List(prefix string) ([]string, error)
}
