package schemastore

import (
	"encoding/json"
	"fmt"

	"github.com/flowtap/flowtap/internal/ddl"
	"github.com/flowtap/flowtap/internal/schema"
	"github.com/flowtap/flowtap/internal/schema/coltype"
)

// columnWire is the discriminated-union wire format for a coltype.Column,
// used both for full-snapshot persistence (databases/tables/columns rows)
// and for delta persistence (delta_json).
type columnWire struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Nullable  bool     `json:"nullable"`
	Bits      int      `json:"bits,omitempty"`
	Unsigned  bool     `json:"unsigned,omitempty"`
	Precision int      `json:"precision,omitempty"`
	Scale     int      `json:"scale,omitempty"`
	Length    int      `json:"length,omitempty"`
	Charset   string   `json:"charset,omitempty"`
	Values    []string `json:"values,omitempty"`
	IsSet     bool     `json:"is_set,omitempty"`
	SubKind   int      `json:"sub_kind,omitempty"`
	FSP       int      `json:"fsp,omitempty"`
}

func encodeColumn(c coltype.Column) columnWire {
	switch v := c.(type) {
	case *coltype.Int:
		return columnWire{Kind: "int", Name: v.NameV, Nullable: v.NullableV, Bits: v.Bits, Unsigned: v.Unsigned}
	case *coltype.Decimal:
		return columnWire{Kind: "decimal", Name: v.NameV, Nullable: v.NullableV, Precision: v.Precision, Scale: v.Scale}
	case *coltype.String:
		kind := "string"
		if v.IsBlob {
			kind = "blob"
		}
		return columnWire{Kind: kind, Name: v.NameV, Nullable: v.NullableV, Length: v.Length, Charset: v.Charset}
	case *coltype.EnumSet:
		return columnWire{Kind: "enumset", Name: v.NameV, Nullable: v.NullableV, Values: v.Values, IsSet: v.IsSet}
	case *coltype.Temporal:
		return columnWire{Kind: "temporal", Name: v.NameV, Nullable: v.NullableV, SubKind: int(v.SubKind), FSP: v.FSP}
	default:
		return columnWire{Kind: "unknown", Name: c.Name()}
	}
}

func decodeColumn(w columnWire) (coltype.Column, error) {
	switch w.Kind {
	case "int":
		return &coltype.Int{NameV: w.Name, NullableV: w.Nullable, Bits: w.Bits, Unsigned: w.Unsigned}, nil
	case "decimal":
		return &coltype.Decimal{NameV: w.Name, NullableV: w.Nullable, Precision: w.Precision, Scale: w.Scale}, nil
	case "string":
		return &coltype.String{NameV: w.Name, NullableV: w.Nullable, Length: w.Length, Charset: w.Charset}, nil
	case "blob":
		return &coltype.String{NameV: w.Name, NullableV: w.Nullable, Length: w.Length, Charset: w.Charset, IsBlob: true}, nil
	case "enumset":
		return &coltype.EnumSet{NameV: w.Name, NullableV: w.Nullable, Values: w.Values, IsSet: w.IsSet}, nil
	case "temporal":
		return &coltype.Temporal{NameV: w.Name, NullableV: w.Nullable, SubKind: coltype.TemporalSubKind(w.SubKind), FSP: w.FSP}, nil
	default:
		return nil, fmt.Errorf("schemastore: unknown column wire kind %q", w.Kind)
	}
}

type tableWire struct {
	Name       string       `json:"name"`
	Encoding   string       `json:"encoding"`
	PrimaryKey []string     `json:"primary_key"`
	Columns    []columnWire `json:"columns"`
}

type databaseWire struct {
	Name          string      `json:"name"`
	CaseSensitive bool        `json:"case_sensitive"`
	Tables        []tableWire `json:"tables"`
}

type schemaWire struct {
	CaseSensitive bool           `json:"case_sensitive"`
	Databases     []databaseWire `json:"databases"`
}

func encodeSchema(s *schema.Schema) ([]byte, error) {
	w := schemaWire{CaseSensitive: s.CaseSensitive}
	for _, db := range s.Databases() {
		dw := databaseWire{Name: db.Name, CaseSensitive: db.CaseSensitive}
		for _, t := range db.Tables() {
			tw := tableWire{Name: t.Name, Encoding: t.Encoding, PrimaryKey: t.PrimaryKey}
			for _, c := range t.Columns {
				tw.Columns = append(tw.Columns, encodeColumn(c))
			}
			dw.Tables = append(dw.Tables, tw)
		}
		w.Databases = append(w.Databases, dw)
	}
	return json.Marshal(w)
}

func decodeSchema(payload []byte) (*schema.Schema, error) {
	var w schemaWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	s := schema.New(w.CaseSensitive)
	for _, dw := range w.Databases {
		db := schema.NewDatabase(dw.Name, dw.CaseSensitive)
		s = s.WithDatabase(db)
		for _, tw := range dw.Tables {
			t := &schema.Table{Name: tw.Name, Encoding: tw.Encoding, PrimaryKey: tw.PrimaryKey}
			for _, cw := range tw.Columns {
				col, err := decodeColumn(cw)
				if err != nil {
					return nil, err
				}
				t.Columns = append(t.Columns, col)
			}
			var err error
			s, err = s.WithTable(dw.Name, t)
			if err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// deltaWire mirrors every ddl.SchemaDelta variant for persistence in the
// delta chain.
type deltaWire struct {
	Kind          string       `json:"kind"`
	Database      string       `json:"database,omitempty"`
	Table         string       `json:"table,omitempty"`
	NewDatabase   string       `json:"new_database,omitempty"`
	NewName       string       `json:"new_name,omitempty"`
	OldName       string       `json:"old_name,omitempty"`
	Encoding      string       `json:"encoding,omitempty"`
	CharSet       string       `json:"charset,omitempty"`
	CaseSensitive bool         `json:"case_sensitive,omitempty"`
	Column        columnWire   `json:"column,omitempty"`
	Columns       []columnWire `json:"columns,omitempty"`
	PrimaryKey    []string     `json:"primary_key,omitempty"`
	Position      int          `json:"position,omitempty"`
	After         string       `json:"after,omitempty"`
	IfExists      bool         `json:"if_exists,omitempty"`
}

func encodeDelta(d ddl.SchemaDelta) ([]byte, error) {
	var w deltaWire
	switch v := d.(type) {
	case *ddl.CreateDatabase:
		w = deltaWire{Kind: "create_database", Database: v.Name, CharSet: v.CharSet, CaseSensitive: v.CaseSensitive, IfExists: v.IfNotExists}
	case *ddl.DropDatabase:
		w = deltaWire{Kind: "drop_database", Database: v.Name, IfExists: v.IfExists}
	case *ddl.CreateTable:
		w = deltaWire{Kind: "create_table", Database: v.Database, Table: v.Table, Encoding: v.Encoding, PrimaryKey: v.PrimaryKey, IfExists: v.IfNotExists}
		for _, c := range v.Columns {
			w.Columns = append(w.Columns, encodeColumn(c))
		}
	case *ddl.DropTable:
		w = deltaWire{Kind: "drop_table", Database: v.Database, Table: v.Table, IfExists: v.IfExists}
	case *ddl.RenameTable:
		w = deltaWire{Kind: "rename_table", Database: v.Database, Table: v.OldName, NewDatabase: v.NewDatabase, NewName: v.NewName}
	case *ddl.AddColumn:
		w = deltaWire{Kind: "add_column", Database: v.Database, Table: v.Table, Column: encodeColumn(v.Column), Position: v.Position, After: v.After}
	case *ddl.DropColumn:
		w = deltaWire{Kind: "drop_column", Database: v.Database, Table: v.Table, OldName: v.Column}
	case *ddl.ChangeColumn:
		w = deltaWire{Kind: "change_column", Database: v.Database, Table: v.Table, OldName: v.OldName, Column: encodeColumn(v.NewColumn)}
	case *ddl.ModifyEncoding:
		w = deltaWire{Kind: "modify_encoding", Database: v.Database, Table: v.Table, Encoding: v.Encoding}
	default:
		return nil, fmt.Errorf("schemastore: unknown delta type %T", d)
	}
	return json.Marshal(w)
}

func decodeDelta(payload []byte) (ddl.SchemaDelta, error) {
	var w deltaWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	switch w.Kind {
	case "create_database":
		return &ddl.CreateDatabase{Name: w.Database, CharSet: w.CharSet, CaseSensitive: w.CaseSensitive, IfNotExists: w.IfExists}, nil
	case "drop_database":
		return &ddl.DropDatabase{Name: w.Database, IfExists: w.IfExists}, nil
	case "create_table":
		cols := make([]coltype.Column, 0, len(w.Columns))
		for _, cw := range w.Columns {
			c, err := decodeColumn(cw)
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
		}
		return &ddl.CreateTable{Database: w.Database, Table: w.Table, Encoding: w.Encoding, Columns: cols, PrimaryKey: w.PrimaryKey, IfNotExists: w.IfExists}, nil
	case "drop_table":
		return &ddl.DropTable{Database: w.Database, Table: w.Table, IfExists: w.IfExists}, nil
	case "rename_table":
		return &ddl.RenameTable{Database: w.Database, OldName: w.Table, NewDatabase: w.NewDatabase, NewName: w.NewName}, nil
	case "add_column":
		col, err := decodeColumn(w.Column)
		if err != nil {
			return nil, err
		}
		return &ddl.AddColumn{Database: w.Database, Table: w.Table, Column: col, Position: w.Position, After: w.After}, nil
	case "drop_column":
		return &ddl.DropColumn{Database: w.Database, Table: w.Table, Column: w.OldName}, nil
	case "change_column":
		col, err := decodeColumn(w.Column)
		if err != nil {
			return nil, err
		}
		return &ddl.ChangeColumn{Database: w.Database, Table: w.Table, OldName: w.OldName, NewColumn: col}, nil
	case "modify_encoding":
		return &ddl.ModifyEncoding{Database: w.Database, Table: w.Table, Encoding: w.Encoding}, nil
	default:
		return nil, fmt.Errorf("schemastore: unknown delta wire kind %q", w.Kind)
	}
}
