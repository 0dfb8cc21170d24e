package entities

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// BigInt wraps math/big.Int so token amounts in smallest units can be
// stored in NUMERIC columns and carried through JSON as strings without
// ever touching floating point.
type BigInt struct {
	big.Int
}

// NewBigInt creates a BigInt from an int64.
func NewBigInt(v int64) *BigInt {
	b := &BigInt{}
	b.SetInt64(v)
	return b
}

// NewBigIntFromString parses a base-10 amount string.
func NewBigIntFromString(s string) (*BigInt, error) {
	b := &BigInt{}
	if _, ok := b.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid integer amount: %q", s)
	}
	return b, nil
}

// Clone returns an independent copy.
func (b *BigInt) Clone() *BigInt {
	c := &BigInt{}
	c.Set(&b.Int)
	return c
}

// Value implements driver.Valuer, rendering the amount as a base-10 string.
func (b *BigInt) Value() (driver.Value, error) {
	if b == nil {
		return nil, nil
	}
	return b.String(), nil
}

// Scan implements sql.Scanner for NUMERIC/TEXT columns.
func (b *BigInt) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		b.SetInt64(0)
		return nil
	case int64:
		b.SetInt64(v)
		return nil
	case []byte:
		return b.setFromString(string(v))
	case string:
		return b.setFromString(v)
	default:
		return fmt.Errorf("cannot scan %T into BigInt", src)
	}
}

func (b *BigInt) setFromString(s string) error {
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid integer amount: %q", s)
	}
	return nil
}

// MarshalJSON renders the amount as a JSON string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts both string and bare-number encodings.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return b.setFromString(s)
}
