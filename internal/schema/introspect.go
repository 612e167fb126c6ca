package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/flowtap/flowtap/internal/schema/coltype"
)

// Introspect builds a full Schema by querying information_schema on a live
// connection -- the strategy-4 "full capture" fallback when
// no durable snapshot exists to resume from. The column-type mapping is
// coarser than internal/ddl's parser-driven one (it works off
// information_schema.columns' rendered type strings rather than an AST),
// which is acceptable here since it runs only when no snapshot is
// recovered (first start, a full-capture fallback, or --recapture-schema).
func Introspect(ctx context.Context, db *sql.DB, databases []string, caseSensitive bool) (*Schema, error) {
	s := New(caseSensitive)
	for _, dbName := range databases {
		tableNames, err := fetchTableNames(ctx, db, dbName)
		if err != nil {
			return nil, fmt.Errorf("schema: introspect tables of %s: %w", dbName, err)
		}
		database := NewDatabase(dbName, caseSensitive)
		s = s.WithDatabase(database)
		for _, tableName := range tableNames {
			t, err := introspectTable(ctx, db, dbName, tableName)
			if err != nil {
				return nil, fmt.Errorf("schema: introspect %s.%s: %w", dbName, tableName, err)
			}
			s, err = s.WithTable(dbName, t)
			if err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// IntrospectTable fetches one table's current definition from the live
// upstream. The replicator calls it after a decode mismatch so the drift
// between live and tracked definitions can be logged before the pipeline
// stops.
func IntrospectTable(ctx context.Context, db *sql.DB, dbName, tableName string) (*Table, error) {
	return introspectTable(ctx, db, dbName, tableName)
}

func fetchTableNames(ctx context.Context, db *sql.DB, dbName string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func introspectTable(ctx context.Context, db *sql.DB, dbName, tableName string) (*Table, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, column_type, is_nullable, character_maximum_length,
		       numeric_precision, numeric_scale, character_set_name, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, dbName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &Table{Name: tableName}
	var pk []string
	for rows.Next() {
		var name, dataType, columnType, isNullable, columnKey string
		var charLen, numPrecision, numScale sql.NullInt64
		var charset sql.NullString
		if err := rows.Scan(&name, &dataType, &columnType, &isNullable, &charLen, &numPrecision, &numScale, &charset, &columnKey); err != nil {
			return nil, err
		}
		nullable := strings.EqualFold(isNullable, "YES")
		col := mapInformationSchemaColumn(name, dataType, columnType, nullable, charLen, numPrecision, numScale, charset)
		t.Columns = append(t.Columns, col)
		if columnKey == "PRI" {
			pk = append(pk, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	t.PrimaryKey = pk

	var collation sql.NullString
	row := db.QueryRowContext(ctx, `
		SELECT ccsa.character_set_name
		FROM information_schema.tables t
		JOIN information_schema.collation_character_set_applicability ccsa ON ccsa.collation_name = t.table_collation
		WHERE t.table_schema = ? AND t.table_name = ?`, dbName, tableName)
	if err := row.Scan(&collation); err == nil && collation.Valid {
		t.Encoding = collation.String
	}
	return t, nil
}

func mapInformationSchemaColumn(name, dataType, columnType string, nullable bool, charLen, numPrecision, numScale sql.NullInt64, charset sql.NullString) coltype.Column {
	switch dataType {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		return &coltype.Int{
			NameV:     name,
			Bits:      intWidth(dataType),
			Unsigned:  strings.Contains(strings.ToLower(columnType), "unsigned"),
			NullableV: nullable,
		}
	case "decimal", "numeric":
		return &coltype.Decimal{
			NameV:     name,
			Precision: int(numPrecision.Int64),
			Scale:     int(numScale.Int64),
			NullableV: nullable,
		}
	case "char", "varchar":
		cs := ""
		if charset.Valid {
			cs = charset.String
		}
		return &coltype.String{NameV: name, Length: int(charLen.Int64), Charset: cs, NullableV: nullable}
	case "tinytext", "text", "mediumtext", "longtext", "tinyblob", "blob", "mediumblob", "longblob":
		return &coltype.String{NameV: name, IsBlob: true, NullableV: nullable}
	case "enum", "set":
		values := parseEnumSetValues(columnType)
		return &coltype.EnumSet{NameV: name, IsSet: dataType == "set", Values: values, NullableV: nullable}
	case "date":
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalDate, NullableV: nullable}
	case "datetime":
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalDatetime, NullableV: nullable}
	case "timestamp":
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalTimestamp, NullableV: nullable}
	case "time":
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalTime, NullableV: nullable}
	case "year":
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalYear, NullableV: nullable}
	default:
		// Unrecognized information_schema data_type: treat as an opaque
		// string rather than failing the whole capture.
		return &coltype.String{NameV: name, IsBlob: true, NullableV: nullable}
	}
}

func intWidth(dataType string) int {
	switch dataType {
	case "tinyint":
		return 8
	case "smallint":
		return 16
	case "mediumint":
		return 24
	case "int":
		return 32
	case "bigint":
		return 64
	}
	return 32
}

// parseEnumSetValues extracts the quoted value list from a rendered
// column_type like "enum('a','b','c')".
func parseEnumSetValues(columnType string) []string {
	start := strings.IndexByte(columnType, '(')
	end := strings.LastIndexByte(columnType, ')')
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	inner := columnType[start+1 : end]
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch {
		case c == '\'' && !inQuote:
			inQuote = true
		case c == '\'' && inQuote:
			if i+1 < len(inner) && inner[i+1] == '\'' {
				cur.WriteByte('\'')
				i++
				continue
			}
			inQuote = false
		case c == ',' && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
