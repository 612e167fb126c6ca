package schema

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowtap/flowtap/internal/schema/coltype"
)

func TestIntWidth(t *testing.T) {
	assert.Equal(t, 8, intWidth("tinyint"))
	assert.Equal(t, 16, intWidth("smallint"))
	assert.Equal(t, 24, intWidth("mediumint"))
	assert.Equal(t, 32, intWidth("int"))
	assert.Equal(t, 64, intWidth("bigint"))
	assert.Equal(t, 32, intWidth("somethingelse"))
}

func TestParseEnumSetValues(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseEnumSetValues("enum('a','b','c')"))
	assert.Equal(t, []string{"small", "medium"}, parseEnumSetValues("set('small','medium')"))
	assert.Nil(t, parseEnumSetValues("int"))
}

func TestParseEnumSetValuesEscapedQuote(t *testing.T) {
	assert.Equal(t, []string{"it's", "b"}, parseEnumSetValues("enum('it''s','b')"))
}

func TestMapInformationSchemaColumnInt(t *testing.T) {
	col := mapInformationSchemaColumn("id", "bigint", "bigint unsigned", false,
		sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{}, sql.NullString{})
	intCol, ok := col.(*coltype.Int)
	if !ok {
		t.Fatalf("expected *coltype.Int, got %T", col)
	}
	assert.Equal(t, "id", intCol.Name())
	assert.Equal(t, 64, intCol.Bits)
	assert.True(t, intCol.Unsigned)
}

func TestMapInformationSchemaColumnEnum(t *testing.T) {
	col := mapInformationSchemaColumn("status", "enum", "enum('open','closed')", true,
		sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{}, sql.NullString{})
	enumCol, ok := col.(*coltype.EnumSet)
	if !ok {
		t.Fatalf("expected *coltype.EnumSet, got %T", col)
	}
	assert.Equal(t, []string{"open", "closed"}, enumCol.Values)
	assert.False(t, enumCol.IsSet)
}

func TestMapInformationSchemaColumnUnknownFallsBackToBlob(t *testing.T) {
	col := mapInformationSchemaColumn("x", "geometry", "geometry", true,
		sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{}, sql.NullString{})
	strCol, ok := col.(*coltype.String)
	if !ok {
		t.Fatalf("expected *coltype.String, got %T", col)
	}
	assert.True(t, strCol.IsBlob)
}
