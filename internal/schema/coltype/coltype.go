// Package coltype defines the canonical MySQL column type variants tracked
// by the schema mirror, and the contract each one uses to turn a raw binlog
// row value into a value safe to serialize downstream.
package coltype

import (
	"fmt"
	"math"
	"time"
)

// Kind tags which variant a Column is. It exists so decode/diff can switch
// on a plain value instead of relying on type assertions everywhere.
type Kind int

const (
	KindInt Kind = iota
	KindDecimal
	KindString
	KindBlob
	KindEnum
	KindSet
	KindTemporal
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	case KindEnum:
		return "enum"
	case KindSet:
		return "set"
	case KindTemporal:
		return "temporal"
	case KindJSON:
		return "json"
	}
	return "unknown"
}

// Column is the tagged-variant contract every concrete
// column type can decode a raw binlog value into a canonical one, and diff
// itself against a same-named column from another snapshot.
type Column interface {
	Name() string
	Kind() Kind
	Nullable() bool
	// Decode validates and normalizes a value already scanned off the wire
	// by the binlog client into the canonical representation for this
	// column. It returns an error (never panics) when raw does not match
	// the declared type -- the replicator turns that into ColumnCastError.
	Decode(raw any) (any, error)
	// Diff describes every observable difference between this column and
	// other, assuming both share a name. It returns nil when equivalent.
	// Used only for logging/assertions, never to drive control flow.
	Diff(other Column) []string
}

func castErr(col string, raw any, want Kind) error {
	return fmt.Errorf("column %s: value %v (%T) is not a valid %s", col, raw, raw, want)
}

// Int is a fixed-width integer column (TINYINT..BIGINT), optionally unsigned.
type Int struct {
	NameV     string
	Bits      int // 8, 16, 24, 32, 64
	Unsigned  bool
	NullableV bool
}

func (c *Int) Name() string    { return c.NameV }
func (c *Int) Kind() Kind      { return KindInt }
func (c *Int) Nullable() bool  { return c.NullableV }
func (c *Int) String() string  { return fmt.Sprintf("INT(%d%s)", c.Bits, unsignedSuffix(c.Unsigned)) }

func unsignedSuffix(u bool) string {
	if u {
		return " UNSIGNED"
	}
	return ""
}

func (c *Int) Decode(raw any) (any, error) {
	if raw == nil {
		if c.NullableV {
			return nil, nil
		}
		return nil, castErr(c.NameV, raw, KindInt)
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case uint64:
		if !c.Unsigned && v > math.MaxInt64 {
			return nil, castErr(c.NameV, raw, KindInt)
		}
		return v, nil
	case uint32:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return nil, castErr(c.NameV, raw, KindInt)
	}
}

func (c *Int) Diff(other Column) []string {
	o, ok := other.(*Int)
	if !ok {
		return []string{fmt.Sprintf("%s: kind changed from int to %s", c.NameV, other.Kind())}
	}
	var out []string
	if c.Bits != o.Bits {
		out = append(out, fmt.Sprintf("%s: width changed from %d to %d", c.NameV, c.Bits, o.Bits))
	}
	if c.Unsigned != o.Unsigned {
		out = append(out, fmt.Sprintf("%s: unsigned changed from %v to %v", c.NameV, c.Unsigned, o.Unsigned))
	}
	if c.NullableV != o.NullableV {
		out = append(out, fmt.Sprintf("%s: nullable changed from %v to %v", c.NameV, c.NullableV, o.NullableV))
	}
	return out
}

// Decimal is a fixed-point DECIMAL(precision, scale) column.
type Decimal struct {
	NameV     string
	Precision int
	Scale     int
	NullableV bool
}

func (c *Decimal) Name() string   { return c.NameV }
func (c *Decimal) Kind() Kind     { return KindDecimal }
func (c *Decimal) Nullable() bool { return c.NullableV }

func (c *Decimal) Decode(raw any) (any, error) {
	if raw == nil {
		if c.NullableV {
			return nil, nil
		}
		return nil, castErr(c.NameV, raw, KindDecimal)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case float64:
		return fmt.Sprintf("%.*f", c.Scale, v), nil
	default:
		return nil, castErr(c.NameV, raw, KindDecimal)
	}
}

func (c *Decimal) Diff(other Column) []string {
	o, ok := other.(*Decimal)
	if !ok {
		return []string{fmt.Sprintf("%s: kind changed from decimal to %s", c.NameV, other.Kind())}
	}
	var out []string
	if c.Precision != o.Precision || c.Scale != o.Scale {
		out = append(out, fmt.Sprintf("%s: precision/scale changed from (%d,%d) to (%d,%d)",
			c.NameV, c.Precision, c.Scale, o.Precision, o.Scale))
	}
	return out
}

// String is a fixed/variable length character column: CHAR, VARCHAR, TEXT.
type String struct {
	NameV     string
	Length    int
	Charset   string
	IsBlob    bool // true for the *TEXT family, which carries no charset-significant length semantics
	NullableV bool
}

func (c *String) Name() string   { return c.NameV }
func (c *String) Nullable() bool { return c.NullableV }
func (c *String) Kind() Kind {
	if c.IsBlob {
		return KindBlob
	}
	return KindString
}

func (c *String) Decode(raw any) (any, error) {
	if raw == nil {
		if c.NullableV {
			return nil, nil
		}
		return nil, castErr(c.NameV, raw, c.Kind())
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return nil, castErr(c.NameV, raw, c.Kind())
	}
}

func (c *String) Diff(other Column) []string {
	o, ok := other.(*String)
	if !ok {
		return []string{fmt.Sprintf("%s: kind changed from %s to %s", c.NameV, c.Kind(), other.Kind())}
	}
	var out []string
	if c.Length != o.Length {
		out = append(out, fmt.Sprintf("%s: length changed from %d to %d", c.NameV, c.Length, o.Length))
	}
	if c.Charset != o.Charset {
		out = append(out, fmt.Sprintf("%s: charset changed from %s to %s", c.NameV, c.Charset, o.Charset))
	}
	return out
}

// EnumSet is an ENUM or SET column with an ordered value list.
type EnumSet struct {
	NameV     string
	IsSet     bool
	Values    []string
	NullableV bool
}

func (c *EnumSet) Name() string   { return c.NameV }
func (c *EnumSet) Nullable() bool { return c.NullableV }
func (c *EnumSet) Kind() Kind {
	if c.IsSet {
		return KindSet
	}
	return KindEnum
}

func (c *EnumSet) Decode(raw any) (any, error) {
	if raw == nil {
		if c.NullableV {
			return nil, nil
		}
		return nil, castErr(c.NameV, raw, c.Kind())
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		// ENUM/SET can arrive as their ordinal index from the wire.
		if c.IsSet {
			return decodeSetBitmap(v, c.Values), nil
		}
		idx := int(v)
		if idx <= 0 || idx > len(c.Values) {
			return nil, castErr(c.NameV, raw, c.Kind())
		}
		return c.Values[idx-1], nil
	default:
		return nil, castErr(c.NameV, raw, c.Kind())
	}
}

func decodeSetBitmap(bitmap int64, values []string) []string {
	var out []string
	for i, v := range values {
		if bitmap&(1<<uint(i)) != 0 {
			out = append(out, v)
		}
	}
	return out
}

func (c *EnumSet) Diff(other Column) []string {
	o, ok := other.(*EnumSet)
	if !ok {
		return []string{fmt.Sprintf("%s: kind changed from %s to %s", c.NameV, c.Kind(), other.Kind())}
	}
	var out []string
	if len(c.Values) != len(o.Values) {
		out = append(out, fmt.Sprintf("%s: value list changed from %v to %v", c.NameV, c.Values, o.Values))
		return out
	}
	for i := range c.Values {
		if c.Values[i] != o.Values[i] {
			out = append(out, fmt.Sprintf("%s: value list changed from %v to %v", c.NameV, c.Values, o.Values))
			break
		}
	}
	return out
}

// TemporalSubKind distinguishes the MySQL temporal column families, since
// their fractional-second-precision semantics differ subtly between them.
type TemporalSubKind int

const (
	TemporalDate TemporalSubKind = iota
	TemporalDatetime
	TemporalTimestamp
	TemporalTime
	TemporalYear
)

// Temporal is a DATE/DATETIME/TIMESTAMP/TIME/YEAR column, carrying
// fractional-second precision (FSP) where the sub-kind supports it.
type Temporal struct {
	NameV     string
	SubKind   TemporalSubKind
	FSP       int
	NullableV bool
}

func (c *Temporal) Name() string   { return c.NameV }
func (c *Temporal) Kind() Kind     { return KindTemporal }
func (c *Temporal) Nullable() bool { return c.NullableV }

func (c *Temporal) Decode(raw any) (any, error) {
	if raw == nil {
		if c.NullableV {
			return nil, nil
		}
		return nil, castErr(c.NameV, raw, KindTemporal)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v, nil
	default:
		// The binlog client (go-mysql) already normalizes temporal values
		// into time.Time/string for us; anything else means our tracked
		// column kind has drifted from what's actually on the wire.
		return nil, castErr(c.NameV, raw, KindTemporal)
	}
}

func (c *Temporal) Diff(other Column) []string {
	o, ok := other.(*Temporal)
	if !ok {
		return []string{fmt.Sprintf("%s: kind changed from temporal to %s", c.NameV, other.Kind())}
	}
	var out []string
	if c.SubKind != o.SubKind {
		out = append(out, fmt.Sprintf("%s: temporal sub-kind changed from %d to %d", c.NameV, c.SubKind, o.SubKind))
	}
	if c.FSP != o.FSP {
		out = append(out, fmt.Sprintf("%s: fractional seconds precision changed from %d to %d", c.NameV, c.FSP, o.FSP))
	}
	return out
}
