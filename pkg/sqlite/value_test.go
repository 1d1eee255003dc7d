package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Columns(t *testing.T) {
	c := memConn(t)
	s, err := c.Prepare("SELECT 42, 2.5, 'abc', x'0102', NULL, x'', '17'")
	require.NoError(t, err)
	defer s.Finalize()
	row, err := s.Step()
	require.NoError(t, err)
	require.True(t, row)

	assert.Equal(t, []Datatype{Integer, Float, Text, Blob, Null, Blob, Text},
		[]Datatype{s.Type(0), s.Type(1), s.Type(2), s.Type(3), s.Type(4), s.Type(5), s.Type(6)})

	t.Run("natural types", func(t *testing.T) {
		assert.Equal(t, []any{int64(42), 2.5, "abc", []byte{1, 2}, nil, []byte{}, "17"}, s.Values())
	})

	t.Run("null", func(t *testing.T) {
		v := s.Column(4)
		assert.True(t, v.IsNull())
		_, ok := v.Int64()
		assert.False(t, ok)
		_, ok = v.Float()
		assert.False(t, ok)
		_, ok = v.Text()
		assert.False(t, ok)
		b, ok := v.Blob()
		assert.False(t, ok)
		assert.Nil(t, b)
		assert.Nil(t, v.Interface())
	})

	t.Run("zero length blob", func(t *testing.T) {
		b, ok := s.Blob(5)
		assert.True(t, ok)
		assert.NotNil(t, b)
		assert.Empty(t, b)
	})

	t.Run("conversions", func(t *testing.T) {
		i, ok := s.Int64(6)
		assert.True(t, ok)
		assert.Equal(t, int64(17), i)

		f, ok := s.Float(0)
		assert.True(t, ok)
		assert.InDelta(t, 42.0, f, 0.0001)

		txt, ok := s.Text(1)
		assert.True(t, ok)
		assert.Equal(t, "2.5", txt)

		i, ok = s.Int64(2)
		assert.True(t, ok, "non-numeric text is not null")
		assert.Equal(t, int64(0), i)
	})
}

func TestValue_Zero(t *testing.T) {
	var v Value
	assert.Equal(t, Null, v.Type())
	assert.True(t, v.IsNull())
	assert.Nil(t, v.Interface())
	assert.Equal(t, uintptr(0), v.native())
}

func TestDatatype_String(t *testing.T) {
	assert.Equal(t, "INTEGER", Integer.String())
	assert.Equal(t, "FLOAT", Float.String())
	assert.Equal(t, "TEXT", Text.String())
	assert.Equal(t, "BLOB", Blob.String())
	assert.Equal(t, "NULL", Null.String())
	assert.Equal(t, "UNKNOWN", Datatype(42).String())
}
