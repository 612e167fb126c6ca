package coltype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntDecode(t *testing.T) {
	c := &Int{NameV: "id", Bits: 32}
	v, err := c.Decode(int32(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = c.Decode("not an int")
	assert.Error(t, err)

	nullable := &Int{NameV: "id", Bits: 32, NullableV: true}
	v, err = nullable.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = c.Decode(nil)
	assert.Error(t, err, "non-nullable column must reject a nil value")
}

func TestIntDecodeUnsignedOverflow(t *testing.T) {
	signed := &Int{NameV: "id", Bits: 64, Unsigned: false}
	_, err := signed.Decode(uint64(1) << 63)
	assert.Error(t, err)

	unsigned := &Int{NameV: "id", Bits: 64, Unsigned: true}
	v, err := unsigned.Decode(uint64(1) << 63)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<63, v)
}

func TestEnumSetDecodeOrdinal(t *testing.T) {
	c := &EnumSet{NameV: "status", Values: []string{"open", "closed", "pending"}}
	v, err := c.Decode(int64(2))
	require.NoError(t, err)
	assert.Equal(t, "closed", v)

	_, err = c.Decode(int64(0))
	assert.Error(t, err, "ordinal 0 is not a valid ENUM index")
}

func TestSetDecodeBitmap(t *testing.T) {
	c := &EnumSet{NameV: "flags", IsSet: true, Values: []string{"a", "b", "c"}}
	v, err := c.Decode(int64(0b101))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, v)
}

func TestDecimalDecode(t *testing.T) {
	c := &Decimal{NameV: "amount", Precision: 10, Scale: 2}
	v, err := c.Decode(float64(19.5))
	require.NoError(t, err)
	assert.Equal(t, "19.50", v)

	v, err = c.Decode([]byte("19.50"))
	require.NoError(t, err)
	assert.Equal(t, "19.50", v)
}

func TestIntDiff(t *testing.T) {
	a := &Int{NameV: "id", Bits: 32}
	b := &Int{NameV: "id", Bits: 64, Unsigned: true}
	diffs := a.Diff(b)
	assert.Len(t, diffs, 2)

	same := &Int{NameV: "id", Bits: 32}
	assert.Empty(t, a.Diff(same))
}

func TestDiffAcrossKinds(t *testing.T) {
	a := &Int{NameV: "id", Bits: 32}
	b := &Decimal{NameV: "id", Precision: 10, Scale: 2}
	diffs := a.Diff(b)
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0], "kind changed")
}

func TestEnumSetDiffValueList(t *testing.T) {
	a := &EnumSet{NameV: "status", Values: []string{"open", "closed"}}
	b := &EnumSet{NameV: "status", Values: []string{"open", "closed", "archived"}}
	diffs := a.Diff(b)
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0], "value list changed")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "int", KindInt.String())
	assert.Equal(t, "unknown", Kind(999).String())
}
