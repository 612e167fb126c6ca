package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/internal/schema/coltype"
)

func tableWithColumns(name string, cols ...coltype.Column) *Table {
	return &Table{Name: name, Columns: cols}
}

func TestSchemaWithTableIsCopyOnWrite(t *testing.T) {
	s := New(false)
	s = s.WithDatabase(NewDatabase("app", false))

	t1 := tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 64})
	s2, err := s.WithTable("app", t1)
	require.NoError(t, err)

	assert.Nil(t, s.FindDatabase("app").FindTable("users"), "original schema must be unaffected by WithTable")
	assert.NotNil(t, s2.FindDatabase("app").FindTable("users"))

	t2 := tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 64}, &coltype.String{NameV: "name"})
	s3, err := s2.WithTable("app", t2)
	require.NoError(t, err)

	assert.Len(t, s2.FindDatabase("app").FindTable("users").Columns, 1, "s2 must not see s3's added column")
	assert.Len(t, s3.FindDatabase("app").FindTable("users").Columns, 2)
}

func TestSchemaWithTableMissingDatabase(t *testing.T) {
	s := New(false)
	_, err := s.WithTable("missing", tableWithColumns("t"))
	assert.Error(t, err)
}

func TestSchemaCaseSensitivity(t *testing.T) {
	s := New(false)
	s = s.WithDatabase(NewDatabase("App", false))
	assert.NotNil(t, s.FindDatabase("app"), "case-insensitive schema must find database regardless of case")

	cs := New(true)
	cs = cs.WithDatabase(NewDatabase("App", true))
	assert.Nil(t, cs.FindDatabase("app"), "case-sensitive schema must not fold case")
	assert.NotNil(t, cs.FindDatabase("App"))
}

func TestSchemaWithoutTable(t *testing.T) {
	s := New(false)
	s = s.WithDatabase(NewDatabase("app", false))
	s, err := s.WithTable("app", tableWithColumns("users"))
	require.NoError(t, err)

	s2, err := s.WithoutTable("app", "users")
	require.NoError(t, err)
	assert.Nil(t, s2.FindDatabase("app").FindTable("users"))
	assert.NotNil(t, s.FindDatabase("app").FindTable("users"), "original schema must retain the table")
}

func TestDatabasesPreservesDeclarationOrder(t *testing.T) {
	s := New(false)
	s = s.WithDatabase(NewDatabase("b", false))
	s = s.WithDatabase(NewDatabase("a", false))
	s = s.WithDatabase(NewDatabase("c", false))

	var names []string
	for _, db := range s.Databases() {
		names = append(names, db.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, names)
}

func TestColumnByIndexOutOfRange(t *testing.T) {
	tbl := tableWithColumns("t", &coltype.Int{NameV: "id"})
	_, err := tbl.ColumnByIndex(5)
	assert.Error(t, err)

	col, err := tbl.ColumnByIndex(0)
	require.NoError(t, err)
	assert.Equal(t, "id", col.Name())
}

func TestIndexOfColumn(t *testing.T) {
	tbl := tableWithColumns("t", &coltype.Int{NameV: "id"}, &coltype.String{NameV: "name"})
	assert.Equal(t, 1, tbl.IndexOfColumn("name"))
	assert.Equal(t, -1, tbl.IndexOfColumn("missing"))
}

func TestPosOrdering(t *testing.T) {
	a := Pos{File: "binlog.000001", Offset: 100}
	b := Pos{File: "binlog.000001", Offset: 200}
	c := Pos{File: "binlog.000002", Offset: 10}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.True(t, a.LessOrEqual(a))
}

func TestDiffReportsMissingAndChangedTables(t *testing.T) {
	a := New(false)
	a = a.WithDatabase(NewDatabase("app", false))
	a, err := a.WithTable("app", tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 32}))
	require.NoError(t, err)

	b := New(false)
	b = b.WithDatabase(NewDatabase("app", false))
	b, err = b.WithTable("app", tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 64}))
	require.NoError(t, err)
	b, err = b.WithTable("app", tableWithColumns("orders", &coltype.Int{NameV: "id", Bits: 32}))
	require.NoError(t, err)

	var diffs []string
	Diff(a, b, &diffs, "old", "new")
	joined := strings.Join(diffs, "\n")

	assert.Contains(t, joined, "width changed from 32 to 64")
	foundMissing := false
	for _, d := range diffs {
		if strings.Contains(d, "orders") && strings.Contains(d, "missing in old") {
			foundMissing = true
		}
	}
	assert.True(t, foundMissing, "diff must report the table present only in the new schema")
}

func TestDiffTablesReportsColumnDivergence(t *testing.T) {
	tracked := tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 64}, &coltype.String{NameV: "name"})
	live := tableWithColumns("users", &coltype.String{NameV: "id"}, &coltype.String{NameV: "name"})

	var diffs []string
	DiffTables("app", tracked, live, &diffs, "tracked", "live")
	require.NotEmpty(t, diffs)
	joined := strings.Join(diffs, "\n")
	assert.Contains(t, joined, "app.users")
	assert.Contains(t, joined, "id")
}

func TestDiffTablesIdenticalTablesEmitNothing(t *testing.T) {
	a := tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 64})
	b := tableWithColumns("users", &coltype.Int{NameV: "id", Bits: 64})

	var diffs []string
	DiffTables("app", a, b, &diffs, "tracked", "live")
	assert.Empty(t, diffs)
}
