// Package schemastore persists Schema snapshots durably. It
// supports two write modes -- full capture (a complete schema payload) and
// delta chain (a base snapshot id plus a parsed delta) -- and reconstructs
// any snapshot by loading the nearest capture at or before a position and
// replaying deltas forward, the same fold internal/ddl.ReplayEquivalence
// performs in memory.
package schemastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	perrors "github.com/pingcap/errors"
	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/ddl"
	"github.com/flowtap/flowtap/internal/dbconn"
	"github.com/flowtap/flowtap/internal/schema"
)

// schemaDDL creates the metadata tables this package owns.
// databases/tables/columns are only materialized for capture rows; a
// delta row's structure lives entirely in schemas.delta_json.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS _flowtap_schemas (
	id             BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	server_id      BIGINT UNSIGNED NOT NULL,
	binlog_file    VARCHAR(255) NOT NULL DEFAULT '',
	offset_        BIGINT UNSIGNED NOT NULL DEFAULT 0,
	gtid_set       TEXT NOT NULL,
	kind           ENUM('capture', 'delta') NOT NULL,
	base_schema_id BIGINT UNSIGNED NULL,
	delta_json     MEDIUMTEXT NULL,
	payload_json   MEDIUMTEXT NULL,
	created_seq    BIGINT UNSIGNED NOT NULL,
	KEY idx_server_position (server_id, binlog_file, offset_)
);
CREATE TABLE IF NOT EXISTS _flowtap_databases (
	schema_id      BIGINT UNSIGNED NOT NULL,
	name           VARCHAR(255) NOT NULL,
	case_sensitive TINYINT NOT NULL DEFAULT 0,
	PRIMARY KEY (schema_id, name)
);
CREATE TABLE IF NOT EXISTS _flowtap_tables (
	schema_id   BIGINT UNSIGNED NOT NULL,
	database_name VARCHAR(255) NOT NULL,
	name        VARCHAR(255) NOT NULL,
	encoding    VARCHAR(64) NOT NULL DEFAULT '',
	primary_key TEXT NOT NULL,
	PRIMARY KEY (schema_id, database_name, name)
);
CREATE TABLE IF NOT EXISTS _flowtap_columns (
	schema_id     BIGINT UNSIGNED NOT NULL,
	database_name VARCHAR(255) NOT NULL,
	table_name    VARCHAR(255) NOT NULL,
	ordinal       INT NOT NULL,
	column_json   TEXT NOT NULL,
	PRIMARY KEY (schema_id, database_name, table_name, ordinal)
);
`

// Store is the schema store.
type Store struct {
	db       *sql.DB
	dbConfig *dbconn.DBConfig
	logger   loggers.Advanced

	mu  sync.Mutex
	seq uint64
}

// New constructs a Store.
func New(db *sql.DB, dbConfig *dbconn.DBConfig, logger loggers.Advanced) *Store {
	return &Store{db: db, dbConfig: dbConfig, logger: logger}
}

// EnsureSchema creates the schema-store tables if they don't exist, and
// seeds the write-sequence counter from whatever is already persisted so
// created_seq stays monotonic across process restarts (Resolve selects
// deltas by created_seq relative to their base capture).
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaDDL) {
		if err := dbconn.DBExec(ctx, s.db, s.dbConfig, stmt); err != nil {
			return perrors.Annotate(err, "schemastore: ensure schema")
		}
	}
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_seq), 0) FROM _flowtap_schemas`)
	var seq uint64
	if err := row.Scan(&seq); err != nil {
		return perrors.Annotate(err, "schemastore: seed sequence")
	}
	s.mu.Lock()
	if seq > s.seq {
		s.seq = seq
	}
	s.mu.Unlock()
	return nil
}

func splitStatements(in string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c == ';' {
			if stmt := trimSpace(string(cur)); stmt != "" {
				out = append(out, stmt)
			}
			cur = cur[:0]
			continue
		}
		cur = append(cur, c)
	}
	if stmt := trimSpace(string(cur)); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// Capture writes a full materialized snapshot. It is used on first run, after --recapture-schema, and by
// Compact when folding a long delta chain back into a materialized row.
func (s *Store) Capture(ctx context.Context, serverID uint64, pos schema.Pos, snap *schema.Schema) (uint64, error) {
	payload, err := encodeSchema(snap)
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: encode snapshot")
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	id, err := s.insertReturningID(ctx, fmt.Sprintf(
		`INSERT INTO _flowtap_schemas (server_id, binlog_file, offset_, gtid_set, kind, payload_json, created_seq)
		 VALUES (%d, %s, %d, %s, 'capture', %s, %d)`,
		serverID, quote(pos.File), pos.Offset, quote(""), quote(string(payload)), seq))
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: insert capture row")
	}
	if err := s.materializeRows(ctx, id, snap); err != nil {
		return 0, perrors.Annotate(err, "schemastore: materialize rows")
	}
	return id, nil
}

// AppendDelta writes {base_snapshot_id, delta_descriptor, resulting
// position}. It does not materialize
// databases/tables/columns rows -- those only exist for capture rows, and
// are rebuilt lazily by Compact.
func (s *Store) AppendDelta(ctx context.Context, serverID uint64, baseSnapshotID uint64, pos schema.Pos, delta ddl.SchemaDelta) (uint64, error) {
	encoded, err := encodeDelta(delta)
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: encode delta")
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	id, err := s.insertReturningID(ctx, fmt.Sprintf(
		`INSERT INTO _flowtap_schemas (server_id, binlog_file, offset_, gtid_set, kind, base_schema_id, delta_json, created_seq)
		 VALUES (%d, %s, %d, %s, 'delta', %d, %s, %d)`,
		serverID, quote(pos.File), pos.Offset, quote(""), baseSnapshotID, quote(string(encoded)), seq))
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: insert delta row")
	}
	return id, nil
}

// insertReturningID runs a single auto-increment insert and returns
// LAST_INSERT_ID(). It bypasses RetryableTransaction because that helper
// reports rows affected, not the generated id, and retrying an insert that
// partially succeeded would double-insert. Errors are returned to the
// caller unretried; the replicator treats a failed delta write as a
// terminal error.
func (s *Store) insertReturningID(ctx context.Context, stmt string) (uint64, error) {
	res, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// Resolve reconstructs the Schema as of position pos for serverID: the
// nearest capture at or before pos, with every delta in (capture, pos]
// replayed forward. It is also how cross-server
// recovery clones a predecessor's last snapshot: pass the predecessor's
// serverID and its recovery-heartbeat position.
func (s *Store) Resolve(ctx context.Context, serverID uint64, pos schema.Pos) (*schema.Schema, error) {
	captureID, capture, deltas, err := s.loadChain(ctx, serverID, pos)
	if err != nil {
		return nil, err
	}
	if capture == nil {
		return nil, fmt.Errorf("schemastore: no capture row found at or before %v for server %d", pos, serverID)
	}
	_ = captureID
	cur := capture
	for _, d := range deltas {
		next, err := d.Apply(cur)
		if err != nil {
			return nil, perrors.Annotatef(err, "schemastore: replay delta chain for server %d", serverID)
		}
		cur = next
	}
	return cur, nil
}

// loadChain finds the nearest capture row at or before pos and the ordered
// deltas between it and pos.
func (s *Store) loadChain(ctx context.Context, serverID uint64, pos schema.Pos) (uint64, *schema.Schema, []ddl.SchemaDelta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload_json FROM _flowtap_schemas
		WHERE server_id = ? AND kind = 'capture' AND (binlog_file < ? OR (binlog_file = ? AND offset_ <= ?))
		ORDER BY binlog_file DESC, offset_ DESC
		LIMIT 1`, serverID, pos.File, pos.File, pos.Offset)
	var captureID uint64
	var payload string
	if err := row.Scan(&captureID, &payload); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, nil, nil
		}
		return 0, nil, nil, perrors.Annotate(err, "schemastore: load capture")
	}
	snap, err := decodeSchema([]byte(payload))
	if err != nil {
		return 0, nil, nil, perrors.Annotate(err, "schemastore: decode capture payload")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT delta_json FROM _flowtap_schemas
		WHERE server_id = ? AND kind = 'delta' AND created_seq > (
			SELECT created_seq FROM _flowtap_schemas WHERE id = ?
		) AND (binlog_file < ? OR (binlog_file = ? AND offset_ <= ?))
		ORDER BY created_seq ASC`, serverID, captureID, pos.File, pos.File, pos.Offset)
	if err != nil {
		return 0, nil, nil, perrors.Annotate(err, "schemastore: load deltas")
	}
	defer rows.Close()

	var deltas []ddl.SchemaDelta
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, nil, nil, perrors.Annotate(err, "schemastore: scan delta")
		}
		d, err := decodeDelta([]byte(raw))
		if err != nil {
			return 0, nil, nil, perrors.Annotate(err, "schemastore: decode delta")
		}
		deltas = append(deltas, d)
	}
	return captureID, snap, deltas, rows.Err()
}

// Compact materializes the snapshot at pos as a fresh capture row and
// deletes every other row (capture or delta) for serverID at or before
// pos, so the delta chain never grows unbounded.
func (s *Store) Compact(ctx context.Context, serverID uint64, pos schema.Pos) (uint64, error) {
	snap, err := s.Resolve(ctx, serverID, pos)
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: compact resolve")
	}
	newID, err := s.Capture(ctx, serverID, pos, snap)
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: compact capture")
	}
	_, err = dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
		`DELETE FROM _flowtap_schemas WHERE server_id = %d AND id != %d AND
		 (binlog_file < %s OR (binlog_file = %s AND offset_ <= %d))`,
		serverID, newID, quote(pos.File), quote(pos.File), pos.Offset))
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: compact cleanup")
	}
	return newID, nil
}

// CloneForServer materializes predecessorServerID's schema as of
// predecessorPos into a fresh capture row owned by newServerID, tagged at
// newPos. This is the server-identity chaining step recovery performs
// after a master failover moves the replicator onto a new server_id.
// predecessorPos and newPos are deliberately different positions: binlog
// coordinates are server-local,
// so the schema is read from the old server's coordinate space but the
// new capture row must be tagged in the new server's own.
func (s *Store) CloneForServer(ctx context.Context, predecessorServerID, newServerID uint64, predecessorPos, newPos schema.Pos) (uint64, error) {
	snap, err := s.Resolve(ctx, predecessorServerID, predecessorPos)
	if err != nil {
		return 0, perrors.Annotate(err, "schemastore: clone resolve")
	}
	return s.Capture(ctx, newServerID, newPos, snap)
}

// materializeRows mirrors a capture into the databases/tables/columns
// side tables. Resolve reconstructs snapshots from payload_json alone;
// these rows give operators a plain-SQL view of what the daemon is
// tracking at each capture.
func (s *Store) materializeRows(ctx context.Context, schemaID uint64, snap *schema.Schema) error {
	for _, db := range snap.Databases() {
		caseSensitive := 0
		if db.CaseSensitive {
			caseSensitive = 1
		}
		if _, err := dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
			`INSERT INTO _flowtap_databases (schema_id, name, case_sensitive) VALUES (%d, %s, %d)`,
			schemaID, quote(db.Name), caseSensitive)); err != nil {
			return err
		}
		for _, t := range db.Tables() {
			if _, err := dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
				`INSERT INTO _flowtap_tables (schema_id, database_name, name, encoding, primary_key) VALUES (%d, %s, %s, %s, %s)`,
				schemaID, quote(db.Name), quote(t.Name), quote(t.Encoding), quote(joinComma(t.PrimaryKey)))); err != nil {
				return err
			}
			for i, c := range t.Columns {
				w := encodeColumn(c)
				raw, err := json.Marshal(w)
				if err != nil {
					return err
				}
				if _, err := dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
					`INSERT INTO _flowtap_columns (schema_id, database_name, table_name, ordinal, column_json) VALUES (%d, %s, %s, %d, %s)`,
					schemaID, quote(db.Name), quote(t.Name), i, quote(string(raw)))); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func quote(s string) string {
	escaped := make([]byte, 0, len(s)+2)
	escaped = append(escaped, '\'')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\'':
			escaped = append(escaped, '\'')
		case '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	escaped = append(escaped, '\'')
	return string(escaped)
}
