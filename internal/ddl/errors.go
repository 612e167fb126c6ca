package ddl

import "fmt"

// SyncErrorKind enumerates why applying a SchemaDelta to a Schema failed.
// Every kind here is fatal to the replicator loop:
// silent drift of the schema mirror is never preferable to stopping.
type SyncErrorKind int

const (
	MissingDatabase SyncErrorKind = iota
	MissingTable
	MissingColumn
	DuplicateName
	IndexOutOfRange
)

func (k SyncErrorKind) String() string {
	switch k {
	case MissingDatabase:
		return "missing_database"
	case MissingTable:
		return "missing_table"
	case MissingColumn:
		return "missing_column"
	case DuplicateName:
		return "duplicate_name"
	case IndexOutOfRange:
		return "index_out_of_range"
	}
	return "unknown"
}

// SchemaSyncError is raised when a delta's preconditions don't hold against
// the schema it's being applied to. It is always fatal to the replicator
//: the operator must recapture the schema.
type SchemaSyncError struct {
	Kind     SyncErrorKind
	Database string
	Table    string
	Column   string
	Detail   string
}

func (e *SchemaSyncError) Error() string {
	loc := e.Database
	if e.Table != "" {
		loc += "." + e.Table
	}
	if e.Column != "" {
		loc += "." + e.Column
	}
	if e.Detail != "" {
		return fmt.Sprintf("schema sync error (%s) at %s: %s", e.Kind, loc, e.Detail)
	}
	return fmt.Sprintf("schema sync error (%s) at %s", e.Kind, loc)
}

func errMissingDatabase(db string) error {
	return &SchemaSyncError{Kind: MissingDatabase, Database: db}
}

func errMissingTable(db, table string) error {
	return &SchemaSyncError{Kind: MissingTable, Database: db, Table: table}
}

func errMissingColumn(db, table, col string) error {
	return &SchemaSyncError{Kind: MissingColumn, Database: db, Table: table, Column: col}
}

func errDuplicateName(db, table string, detail string) error {
	return &SchemaSyncError{Kind: DuplicateName, Database: db, Table: table, Detail: detail}
}

func errIndexOutOfRange(db, table string, detail string) error {
	return &SchemaSyncError{Kind: IndexOutOfRange, Database: db, Table: table, Detail: detail}
}

// ColumnCastError is raised by the decode path (not by apply) when a
// decoded value violates its declared type. Non-fatal by itself, but the
// replicator's policy is to stop after logging a diff,
// since it indicates schema drift of unknown provenance.
type ColumnCastError struct {
	Database string
	Table    string
	Column   string
	Cause    error
}

func (e *ColumnCastError) Error() string {
	return fmt.Sprintf("column cast error at %s.%s.%s: %v", e.Database, e.Table, e.Column, e.Cause)
}

func (e *ColumnCastError) Unwrap() error { return e.Cause }

// ParseError wraps a failure to parse a DDL statement.
type ParseError struct {
	SQL   string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse DDL statement %q: %v", e.SQL, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }
