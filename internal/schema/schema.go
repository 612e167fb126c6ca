// Package schema is the in-memory mirror of the upstream MySQL catalog.
// A Schema is immutable from the point of view of any
// delta: applying a delta always produces a new Schema via copy-on-write,
// sharing unchanged Databases and Tables with its predecessor rather than
// deep-copying the whole tree.
package schema

import (
	"fmt"

	"github.com/flowtap/flowtap/internal/schema/coltype"
)

// Table is an ordered sequence of columns plus the character encoding they
// were declared under. Column position is 0-based and contiguous -- it is
// the identity used to zip a binlog row image to column names.
type Table struct {
	Name        string
	Encoding    string
	Columns     []coltype.Column
	PrimaryKey  []string // column names, in key order
	BinlogTableID uint64 // the numeric table id the binlog tags this table with, 0 until first seen
}

// ColumnByIndex returns the column at ordinal i, or an error if i is out of
// the table's current column range.
func (t *Table) ColumnByIndex(i int) (coltype.Column, error) {
	if i < 0 || i >= len(t.Columns) {
		return nil, fmt.Errorf("column index %d out of range (table %s has %d columns)", i, t.Name, len(t.Columns))
	}
	return t.Columns[i], nil
}

// IndexOfColumn returns the ordinal of a column by name, or -1.
func (t *Table) IndexOfColumn(name string) int {
	for i, c := range t.Columns {
		if c.Name() == name {
			return i
		}
	}
	return -1
}

// copy returns a shallow clone of the table: the Columns slice header is
// copied (so appends/removals don't alias the original) but individual
// coltype.Column values are reused, since they are never mutated in place.
func (t *Table) copy() *Table {
	cp := *t
	cp.Columns = append([]coltype.Column(nil), t.Columns...)
	cp.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	return &cp
}

// Database is an ordered mapping from table name to table.
type Database struct {
	Name         string
	order        []string // table names in declaration order
	tables       map[string]*Table
	CaseSensitive bool
}

// NewDatabase returns an empty database.
func NewDatabase(name string, caseSensitive bool) *Database {
	return &Database{
		Name:          name,
		tables:        make(map[string]*Table),
		CaseSensitive: caseSensitive,
	}
}

func (d *Database) key(name string) string {
	if d.CaseSensitive {
		return name
	}
	return lower(name)
}

// FindTable returns the table by name, or nil if it does not exist.
func (d *Database) FindTable(name string) *Table {
	return d.tables[d.key(name)]
}

// Tables returns tables in declaration order.
func (d *Database) Tables() []*Table {
	out := make([]*Table, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tables[d.key(name)])
	}
	return out
}

// copy returns a database whose table map is an independent copy (so that
// adding/removing/replacing a table in the copy never mutates d), but whose
// *Table values are shared until individually replaced.
func (d *Database) copy() *Database {
	cp := &Database{
		Name:          d.Name,
		CaseSensitive: d.CaseSensitive,
		order:         append([]string(nil), d.order...),
		tables:        make(map[string]*Table, len(d.tables)),
	}
	for k, v := range d.tables {
		cp.tables[k] = v
	}
	return cp
}

func (d *Database) withTable(t *Table) *Database {
	cp := d.copy()
	k := d.key(t.Name)
	if _, exists := cp.tables[k]; !exists {
		cp.order = append(cp.order, t.Name)
	}
	cp.tables[k] = t
	return cp
}

func (d *Database) withoutTable(name string) *Database {
	cp := d.copy()
	k := d.key(name)
	delete(cp.tables, k)
	for i, n := range cp.order {
		if d.key(n) == k {
			cp.order = append(cp.order[:i], cp.order[i+1:]...)
			break
		}
	}
	return cp
}

// Schema is an ordered set of databases. Within a schema,
// database names are unique case-sensitivity-aware per CaseSensitive.
type Schema struct {
	order         []string
	databases     map[string]*Database
	CaseSensitive bool

	// Position is the binlog position this snapshot was valid as-of. It is
	// set by the schema store on persist/load, not by Schema itself.
	Position Pos
}

// Pos is a minimal position marker; internal/posstore.Position is the full
// durable type. Schema only needs enough of it to order snapshots.
type Pos struct {
	File   string
	Offset uint64
}

// Less reports whether p sorts strictly before o lexicographically on
// (file, offset), the same total order binlog positions have outside
// GTID mode.
func (p Pos) Less(o Pos) bool {
	if p.File != o.File {
		return p.File < o.File
	}
	return p.Offset < o.Offset
}

func (p Pos) LessOrEqual(o Pos) bool {
	return p == o || p.Less(o)
}

// New returns an empty schema.
func New(caseSensitive bool) *Schema {
	return &Schema{
		databases:     make(map[string]*Database),
		CaseSensitive: caseSensitive,
	}
}

func (s *Schema) key(name string) string {
	if s.CaseSensitive {
		return name
	}
	return lower(name)
}

// FindDatabase returns the database by name, or nil.
func (s *Schema) FindDatabase(name string) *Database {
	return s.databases[s.key(name)]
}

// Databases returns databases in declaration order.
func (s *Schema) Databases() []*Database {
	out := make([]*Database, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.databases[s.key(name)])
	}
	return out
}

// Copy returns a deep-independent snapshot: mutating the returned Schema
// (via the with*/without* helpers) never observably changes s. Databases
// and Tables are structurally shared until a delta targets them, so Copy
// itself stays cheap -- this is the hot path, since every delta application
// is "copy + one targeted mutation".
func (s *Schema) Copy() *Schema {
	cp := &Schema{
		order:         append([]string(nil), s.order...),
		databases:     make(map[string]*Database, len(s.databases)),
		CaseSensitive: s.CaseSensitive,
		Position:      s.Position,
	}
	for k, v := range s.databases {
		cp.databases[k] = v
	}
	return cp
}

// WithDatabase returns a copy of s with db inserted or replaced.
func (s *Schema) WithDatabase(db *Database) *Schema {
	cp := s.Copy()
	k := s.key(db.Name)
	if _, exists := cp.databases[k]; !exists {
		cp.order = append(cp.order, db.Name)
	}
	cp.databases[k] = db
	return cp
}

// WithoutDatabase returns a copy of s with the named database removed.
func (s *Schema) WithoutDatabase(name string) *Schema {
	cp := s.Copy()
	k := s.key(name)
	delete(cp.databases, k)
	for i, n := range cp.order {
		if s.key(n) == k {
			cp.order = append(cp.order[:i], cp.order[i+1:]...)
			break
		}
	}
	return cp
}

// WithTable is a convenience that copies the named database (creating it
// fresh if absent is the caller's job -- it errors if the database is
// missing) and replaces/inserts t within it.
func (s *Schema) WithTable(dbName string, t *Table) (*Schema, error) {
	db := s.FindDatabase(dbName)
	if db == nil {
		return nil, fmt.Errorf("database %s does not exist", dbName)
	}
	return s.WithDatabase(db.withTable(t)), nil
}

// WithoutTable removes a table from a database, returning the new schema.
func (s *Schema) WithoutTable(dbName, tableName string) (*Schema, error) {
	db := s.FindDatabase(dbName)
	if db == nil {
		return nil, fmt.Errorf("database %s does not exist", dbName)
	}
	return s.WithDatabase(db.withoutTable(tableName)), nil
}

// CopyTable returns an independent copy of t suitable for mutation before
// being passed back to WithTable. Its Columns/PrimaryKey slices are
// independent; individual coltype.Column values remain shared.
func CopyTable(t *Table) *Table {
	return t.copy()
}

// Diff walks two schemas and appends a human-readable description of every
// divergence to out, tagging each side's lines with leftTag/rightTag. It is
// used only for logging and assertions, never to drive
// behavior.
func Diff(a, b *Schema, out *[]string, leftTag, rightTag string) {
	seen := make(map[string]bool)
	for _, db := range a.Databases() {
		seen[a.key(db.Name)] = true
		other := b.FindDatabase(db.Name)
		if other == nil {
			*out = append(*out, fmt.Sprintf("%s: database %s present, missing in %s", leftTag, db.Name, rightTag))
			continue
		}
		diffDatabase(db, other, out, leftTag, rightTag)
	}
	for _, db := range b.Databases() {
		if !seen[b.key(db.Name)] {
			*out = append(*out, fmt.Sprintf("%s: database %s present, missing in %s", rightTag, db.Name, leftTag))
		}
	}
}

// DiffTables appends a description of every divergence between two
// definitions of the same table. The replicator uses it after a decode
// mismatch to log the live upstream definition against the tracked one.
func DiffTables(dbName string, a, b *Table, out *[]string, leftTag, rightTag string) {
	diffTable(dbName, a, b, out, leftTag, rightTag)
}

func diffDatabase(a, b *Database, out *[]string, leftTag, rightTag string) {
	seen := make(map[string]bool)
	for _, t := range a.Tables() {
		seen[a.key(t.Name)] = true
		other := b.FindTable(t.Name)
		if other == nil {
			*out = append(*out, fmt.Sprintf("%s: table %s.%s present, missing in %s", leftTag, a.Name, t.Name, rightTag))
			continue
		}
		diffTable(a.Name, t, other, out, leftTag, rightTag)
	}
	for _, t := range b.Tables() {
		if !seen[b.key(t.Name)] {
			*out = append(*out, fmt.Sprintf("%s: table %s.%s present, missing in %s", rightTag, b.Name, t.Name, leftTag))
		}
	}
}

func diffTable(dbName string, a, b *Table, out *[]string, leftTag, rightTag string) {
	if a.Encoding != b.Encoding {
		*out = append(*out, fmt.Sprintf("%s.%s: encoding changed from %s (%s) to %s (%s)",
			dbName, a.Name, a.Encoding, leftTag, b.Encoding, rightTag))
	}
	n := len(a.Columns)
	if len(b.Columns) > n {
		n = len(b.Columns)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a.Columns):
			*out = append(*out, fmt.Sprintf("%s.%s: column %s present in %s, missing in %s",
				dbName, a.Name, b.Columns[i].Name(), rightTag, leftTag))
		case i >= len(b.Columns):
			*out = append(*out, fmt.Sprintf("%s.%s: column %s present in %s, missing in %s",
				dbName, a.Name, a.Columns[i].Name(), leftTag, rightTag))
		default:
			if a.Columns[i].Name() != b.Columns[i].Name() {
				*out = append(*out, fmt.Sprintf("%s.%s: column at position %d renamed from %s (%s) to %s (%s)",
					dbName, a.Name, i, a.Columns[i].Name(), leftTag, b.Columns[i].Name(), rightTag))
				continue
			}
			for _, d := range a.Columns[i].Diff(b.Columns[i]) {
				*out = append(*out, fmt.Sprintf("%s.%s: %s", dbName, a.Name, d))
			}
		}
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
