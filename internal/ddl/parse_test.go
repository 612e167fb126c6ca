package ddl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreateTable(t *testing.T) {
	deltas, err := Parse("CREATE TABLE users (id BIGINT NOT NULL, name VARCHAR(255), PRIMARY KEY (id)) CHARSET=utf8mb4", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	create, ok := deltas[0].(*CreateTable)
	require.True(t, ok)
	assert.Equal(t, "app", create.Database)
	assert.Equal(t, "users", create.Table)
	assert.Equal(t, []string{"id"}, create.PrimaryKey)
	require.Len(t, create.Columns, 2)
	assert.Equal(t, "id", create.Columns[0].Name())
	assert.False(t, create.Columns[0].Nullable())
	assert.True(t, create.Columns[1].Nullable())
}

func TestParseAlterTableAddColumn(t *testing.T) {
	deltas, err := Parse("ALTER TABLE app.users ADD COLUMN age TINYINT", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	add, ok := deltas[0].(*AddColumn)
	require.True(t, ok)
	assert.Equal(t, "app", add.Database)
	assert.Equal(t, "users", add.Table)
	assert.Equal(t, "age", add.Column.Name())
}

func TestParseAlterTableDropColumn(t *testing.T) {
	deltas, err := Parse("ALTER TABLE users DROP COLUMN name", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	drop, ok := deltas[0].(*DropColumn)
	require.True(t, ok)
	assert.Equal(t, "name", drop.Column)
}

func TestParseRenameTable(t *testing.T) {
	deltas, err := Parse("RENAME TABLE users TO customers", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	rename, ok := deltas[0].(*RenameTable)
	require.True(t, ok)
	assert.Equal(t, "users", rename.OldName)
	assert.Equal(t, "customers", rename.NewName)
}

func TestParseDropDatabase(t *testing.T) {
	deltas, err := Parse("DROP DATABASE IF EXISTS app", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	drop, ok := deltas[0].(*DropDatabase)
	require.True(t, ok)
	assert.True(t, drop.IfExists)
}

func TestParseMultipleStatements(t *testing.T) {
	deltas, err := Parse("CREATE TABLE a (id INT); CREATE TABLE b (id INT);", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 2)
}

func TestParseNonSchemaStatementYieldsNoDeltas(t *testing.T) {
	deltas, err := Parse("ANALYZE TABLE users", "app")
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestParseInvalidSQL(t *testing.T) {
	_, err := Parse("CREATE TALBE users (", "app")
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseCreateTableUsesDefaultDatabaseWhenUnqualified(t *testing.T) {
	deltas, err := Parse("CREATE TABLE orders (id INT)", "shop")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	create := deltas[0].(*CreateTable)
	assert.Equal(t, "shop", create.Database)
}

func TestParseAlterTableAddColumnAppliesAsAppend(t *testing.T) {
	s := baseSchema(t)
	deltas, err := Parse("ALTER TABLE app.users ADD COLUMN age TINYINT", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	next, err := deltas[0].Apply(s)
	require.NoError(t, err)
	cols := next.FindDatabase("app").FindTable("users").Columns
	require.Len(t, cols, 3)
	assert.Equal(t, "age", cols[2].Name())
}

func TestParseAlterTableAddColumnAfter(t *testing.T) {
	deltas, err := Parse("ALTER TABLE app.users ADD COLUMN age TINYINT AFTER id", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	add := deltas[0].(*AddColumn)
	assert.Equal(t, "id", add.After)

	next, err := add.Apply(baseSchema(t))
	require.NoError(t, err)
	cols := next.FindDatabase("app").FindTable("users").Columns
	assert.Equal(t, "age", cols[1].Name())
}

func TestParseAlterTableAddColumnFirst(t *testing.T) {
	deltas, err := Parse("ALTER TABLE app.users ADD COLUMN age TINYINT FIRST", "app")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	add := deltas[0].(*AddColumn)
	assert.Equal(t, 0, add.Position)
	assert.Empty(t, add.After)
}
