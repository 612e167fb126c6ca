package ddl

import (
	"fmt"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // value-expression driver the parser needs at runtime
	"github.com/pingcap/tidb/pkg/parser/types"

	"github.com/flowtap/flowtap/internal/schema/coltype"
)

// Parse turns a (possibly multi-statement) chunk of DDL SQL observed in a
// Query binlog event into zero or more SchemaDelta values. Whitespace and
// comments are tolerated because the TiDB parser's own lexer already
// strips them, and semicolon-separated statements are returned as one
// ast.StmtNode per statement by parser.Parse itself.
//
// Statements the parser recognizes but that carry no schema-shape change
// (e.g. CREATE INDEX that doesn't touch column layout we track, ANALYZE
// TABLE) translate to zero deltas rather than an error.
func Parse(sql, defaultDB string) ([]SchemaDelta, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, &ParseError{SQL: sql, Cause: err}
	}
	var out []SchemaDelta
	for _, stmt := range stmtNodes {
		deltas, err := translateStmt(stmt, defaultDB)
		if err != nil {
			return nil, err
		}
		out = append(out, deltas...)
	}
	return out, nil
}

func translateStmt(stmt ast.StmtNode, defaultDB string) ([]SchemaDelta, error) {
	switch n := stmt.(type) {
	case *ast.CreateDatabaseStmt:
		return []SchemaDelta{&CreateDatabase{
			Name:        n.Name.O,
			CharSet:     databaseCharset(n.Options),
			IfNotExists: n.IfNotExists,
		}}, nil
	case *ast.DropDatabaseStmt:
		return []SchemaDelta{&DropDatabase{
			Name:     n.Name.O,
			IfExists: n.IfExists,
		}}, nil
	case *ast.CreateTableStmt:
		return translateCreateTable(n, defaultDB)
	case *ast.DropTableStmt:
		return translateDropTable(n, defaultDB)
	case *ast.RenameTableStmt:
		return translateRenameTable(n, defaultDB)
	case *ast.AlterTableStmt:
		return translateAlterTable(n, defaultDB)
	default:
		// Statements like CREATE INDEX, ANALYZE TABLE, and DML carried in
		// a Query event (e.g. BEGIN from old-style transactions) don't
		// change column layout, so they translate to no deltas.
		return nil, nil
	}
}

func databaseCharset(opts []*ast.DatabaseOption) string {
	for _, opt := range opts {
		if opt.Tp == ast.DatabaseOptionCharset {
			return opt.Value
		}
	}
	return ""
}

func dbOf(schemaName string, defaultDB string) string {
	if schemaName != "" {
		return schemaName
	}
	return defaultDB
}

func translateCreateTable(n *ast.CreateTableStmt, defaultDB string) ([]SchemaDelta, error) {
	dbName := dbOf(n.Table.Schema.O, defaultDB)
	cols, pk, err := translateColumns(n.Cols, n.Constraints)
	if err != nil {
		return nil, err
	}
	return []SchemaDelta{&CreateTable{
		Database:    dbName,
		Table:       n.Table.Name.O,
		Encoding:    tableEncoding(n),
		Columns:     cols,
		PrimaryKey:  pk,
		IfNotExists: n.IfNotExists,
	}}, nil
}

func tableEncoding(n *ast.CreateTableStmt) string {
	for _, opt := range n.Options {
		if opt.Tp == ast.TableOptionCharset {
			return opt.StrValue
		}
	}
	return "utf8mb4"
}

func translateDropTable(n *ast.DropTableStmt, defaultDB string) ([]SchemaDelta, error) {
	var out []SchemaDelta
	for _, tbl := range n.Tables {
		out = append(out, &DropTable{
			Database: dbOf(tbl.Schema.O, defaultDB),
			Table:    tbl.Name.O,
			IfExists: n.IfExists,
		})
	}
	return out, nil
}

func translateRenameTable(n *ast.RenameTableStmt, defaultDB string) ([]SchemaDelta, error) {
	var out []SchemaDelta
	for _, clause := range n.TableToTables {
		out = append(out, &RenameTable{
			Database:    dbOf(clause.OldTable.Schema.O, defaultDB),
			OldName:     clause.OldTable.Name.O,
			NewDatabase: clause.NewTable.Schema.O,
			NewName:     clause.NewTable.Name.O,
		})
	}
	return out, nil
}

func translateAlterTable(n *ast.AlterTableStmt, defaultDB string) ([]SchemaDelta, error) {
	dbName := dbOf(n.Table.Schema.O, defaultDB)
	tableName := n.Table.Name.O
	var out []SchemaDelta
	for _, spec := range n.Specs {
		switch spec.Tp {
		case ast.AlterTableAddColumns:
			for _, colDef := range spec.NewColumns {
				col, err := translateColumnDef(colDef)
				if err != nil {
					return nil, err
				}
				pos := -1 // append, unless a FIRST/AFTER clause is given
				after := ""
				if spec.Position != nil {
					switch spec.Position.Tp {
					case ast.ColumnPositionFirst:
						pos = 0
					case ast.ColumnPositionAfter:
						after = spec.Position.RelativeColumn.Name.O
					}
				}
				out = append(out, &AddColumn{
					Database: dbName,
					Table:    tableName,
					Column:   col,
					Position: pos,
					After:    after,
				})
			}
		case ast.AlterTableDropColumn:
			out = append(out, &DropColumn{
				Database: dbName,
				Table:    tableName,
				Column:   spec.OldColumnName.Name.O,
			})
		case ast.AlterTableChangeColumn, ast.AlterTableModifyColumn:
			if len(spec.NewColumns) != 1 {
				continue
			}
			col, err := translateColumnDef(spec.NewColumns[0])
			if err != nil {
				return nil, err
			}
			oldName := col.Name()
			if spec.OldColumnName != nil {
				oldName = spec.OldColumnName.Name.O
			}
			out = append(out, &ChangeColumn{
				Database:  dbName,
				Table:     tableName,
				OldName:   oldName,
				NewColumn: col,
			})
		case ast.AlterTableOption:
			for _, opt := range spec.Options {
				if opt.Tp == ast.TableOptionCharset {
					out = append(out, &ModifyEncoding{Database: dbName, Table: tableName, Encoding: opt.StrValue})
				}
			}
		case ast.AlterTableRenameTable:
			out = append(out, &RenameTable{
				Database:    dbName,
				OldName:     tableName,
				NewDatabase: spec.NewTable.Schema.O,
				NewName:     spec.NewTable.Name.O,
			})
		default:
			// ADD/DROP INDEX, ALGORITHM=, LOCK=, and other clauses that
			// don't change column layout produce no delta.
		}
	}
	return out, nil
}

func translateColumns(cols []*ast.ColumnDef, constraints []*ast.Constraint) ([]coltype.Column, []string, error) {
	out := make([]coltype.Column, 0, len(cols))
	for _, c := range cols {
		col, err := translateColumnDef(c)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, col)
	}
	var pk []string
	for _, cons := range constraints {
		if cons.Tp == ast.ConstraintPrimaryKey {
			for _, key := range cons.Keys {
				pk = append(pk, key.Column.Name.O)
			}
		}
	}
	return out, pk, nil
}

func translateColumnDef(c *ast.ColumnDef) (coltype.Column, error) {
	name := c.Name.Name.O
	nullable := true
	for _, opt := range c.Options {
		if opt.Tp == ast.ColumnOptionNotNull || opt.Tp == ast.ColumnOptionPrimaryKey {
			nullable = false
		}
	}
	ft := c.Tp
	switch ft.GetType() {
	case mysql.TypeTiny, mysql.TypeShort, mysql.TypeInt24, mysql.TypeLong, mysql.TypeLonglong:
		return &coltype.Int{
			NameV:     name,
			Bits:      intWidth(ft.GetType()),
			Unsigned:  mysqlUnsigned(ft),
			NullableV: nullable,
		}, nil
	case mysql.TypeNewDecimal:
		return &coltype.Decimal{
			NameV:     name,
			Precision: ft.GetFlen(),
			Scale:     ft.GetDecimal(),
			NullableV: nullable,
		}, nil
	case mysql.TypeVarchar, mysql.TypeString, mysql.TypeVarString:
		return &coltype.String{
			NameV:     name,
			Length:    ft.GetFlen(),
			Charset:   ft.GetCharset(),
			NullableV: nullable,
		}, nil
	case mysql.TypeBlob, mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob:
		return &coltype.String{
			NameV:     name,
			Length:    ft.GetFlen(),
			Charset:   ft.GetCharset(),
			IsBlob:    true,
			NullableV: nullable,
		}, nil
	case mysql.TypeEnum:
		return &coltype.EnumSet{NameV: name, Values: ft.GetElems(), NullableV: nullable}, nil
	case mysql.TypeSet:
		return &coltype.EnumSet{NameV: name, IsSet: true, Values: ft.GetElems(), NullableV: nullable}, nil
	case mysql.TypeDate:
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalDate, NullableV: nullable}, nil
	case mysql.TypeDatetime:
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalDatetime, FSP: ft.GetDecimal(), NullableV: nullable}, nil
	case mysql.TypeTimestamp:
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalTimestamp, FSP: ft.GetDecimal(), NullableV: nullable}, nil
	case mysql.TypeDuration:
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalTime, FSP: ft.GetDecimal(), NullableV: nullable}, nil
	case mysql.TypeYear:
		return &coltype.Temporal{NameV: name, SubKind: coltype.TemporalYear, NullableV: nullable}, nil
	default:
		return nil, fmt.Errorf("unsupported column type %s for column %s", ft.String(), name)
	}
}

func intWidth(tp byte) int {
	switch tp {
	case mysql.TypeTiny:
		return 8
	case mysql.TypeShort:
		return 16
	case mysql.TypeInt24:
		return 24
	case mysql.TypeLong:
		return 32
	default:
		return 64
	}
}

func mysqlUnsigned(ft *types.FieldType) bool {
	return mysql.HasUnsignedFlag(ft.GetFlag())
}
