// Package ext provides extension SQL functions installed on a sqlite.Conn.
package ext

import (
	"encoding/hex"
	"fmt"
	"log"
	"sort"

	"github.com/go-pkgz/stringutils"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/umputun/litebind/pkg/sqlite"
)

// Names lists the functions installed by Register, in registration order.
var Names = []string{"uuid", "uuid_valid", "blake2b", "truncate", "median", "isum"}

// Register installs all extension functions on the connection.
func Register(c *sqlite.Conn) error {
	scalars := []struct {
		name  string
		nArgs int
		flags sqlite.FuncFlags
		fn    sqlite.ScalarFunc
	}{
		{"uuid", 0, 0, newUUID},
		{"uuid_valid", 1, sqlite.Deterministic | sqlite.Innocuous, validUUID},
		{"blake2b", 1, sqlite.Deterministic | sqlite.Innocuous, blake2bHex},
		{"truncate", 2, sqlite.Deterministic | sqlite.Innocuous, truncate},
	}
	for _, s := range scalars {
		if err := c.CreateScalarFunction(s.name, s.nArgs, s.flags, s.fn); err != nil {
			return fmt.Errorf("can't register %s: %w", s.name, err)
		}
	}

	if err := c.CreateAggregateFunction("median", 1, sqlite.Deterministic, func() sqlite.Aggregator { return &median{} }); err != nil {
		return fmt.Errorf("can't register median: %w", err)
	}
	if err := c.CreateWindowFunction("isum", 1, sqlite.Deterministic, func() sqlite.WindowAggregator { return &intSum{} }); err != nil {
		return fmt.Errorf("can't register isum: %w", err)
	}
	log.Printf("[DEBUG] registered %d extension functions on %s", len(Names), c.Path())
	return nil
}

// newUUID returns a random (v4) uuid as text.
func newUUID([]sqlite.Value) (any, error) {
	return uuid.NewString(), nil
}

// validUUID returns 1 if the argument parses as a uuid, 0 otherwise, NULL for NULL.
func validUUID(args []sqlite.Value) (any, error) {
	s, ok := args[0].Text()
	if !ok {
		return nil, nil
	}
	if _, err := uuid.Parse(s); err != nil {
		return 0, nil
	}
	return 1, nil
}

// blake2bHex returns the hex encoded BLAKE2b-256 of the argument's bytes.
// Text is hashed as its utf-8 bytes, numbers as their text form.
func blake2bHex(args []sqlite.Value) (any, error) {
	var data []byte
	switch args[0].Type() {
	case sqlite.Null:
		return nil, nil
	case sqlite.Blob:
		data, _ = args[0].Blob()
	default:
		s, _ := args[0].Text()
		data = []byte(s)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// truncate cuts text to n runes with an ellipsis. n below 4 yields an empty string.
func truncate(args []sqlite.Value) (any, error) {
	s, ok := args[0].Text()
	if !ok {
		return nil, nil
	}
	n, ok := args[1].Int64()
	if !ok {
		return nil, fmt.Errorf("truncate: length can't be NULL")
	}
	return stringutils.Truncate(s, int(n)), nil
}

// median collects non-NULL numeric values. The median of no values is NULL.
type median struct {
	vals []float64
}

func (m *median) Step(args []sqlite.Value) error {
	if v, ok := args[0].Float(); ok {
		m.vals = append(m.vals, v)
	}
	return nil
}

func (m *median) Final() (any, error) {
	if len(m.vals) == 0 {
		return nil, nil
	}
	sort.Float64s(m.vals)
	mid := len(m.vals) / 2
	if len(m.vals)%2 == 1 {
		return m.vals[mid], nil
	}
	return (m.vals[mid-1] + m.vals[mid]) / 2, nil
}

// intSum is an integer sum usable as a window function. NULLs are skipped,
// the sum of no values is 0.
type intSum struct {
	sum int64
}

func (s *intSum) Step(args []sqlite.Value) error {
	v, _ := args[0].Int64()
	s.sum += v
	return nil
}

func (s *intSum) Inverse(args []sqlite.Value) error {
	v, _ := args[0].Int64()
	s.sum -= v
	return nil
}

func (s *intSum) Value() (any, error) { return s.sum, nil }

func (s *intSum) Final() (any, error) { return s.sum, nil }
