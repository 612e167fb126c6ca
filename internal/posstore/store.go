package posstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	perrors "github.com/pingcap/errors"
	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/dbconn"
)

// schemaDDL creates the two metadata tables this package owns, positions
// and heartbeats.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS _flowtap_positions (
	client_id     VARCHAR(128) NOT NULL,
	server_id     BIGINT UNSIGNED NOT NULL,
	binlog_file   VARCHAR(255) NOT NULL DEFAULT '',
	offset_       BIGINT UNSIGNED NOT NULL DEFAULT 0,
	gtid_set      TEXT NOT NULL,
	heartbeat_id  BIGINT UNSIGNED NOT NULL DEFAULT 0,
	has_heartbeat TINYINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	PRIMARY KEY (client_id, server_id)
);
CREATE TABLE IF NOT EXISTS _flowtap_heartbeats (
	server_id     BIGINT UNSIGNED NOT NULL,
	heartbeat_id  BIGINT UNSIGNED NOT NULL,
	client_id     VARCHAR(128) NOT NULL,
	binlog_file   VARCHAR(255) NOT NULL DEFAULT '',
	offset_       BIGINT UNSIGNED NOT NULL DEFAULT 0,
	gtid_set      TEXT NOT NULL,
	written_seq   BIGINT UNSIGNED NOT NULL,
	PRIMARY KEY (server_id, heartbeat_id)
);
`

// Store is the position store: a durable {current,
// recovery_candidates[]} pair. Writes to the current cursor are monotonic;
// set(p) is rejected if p < current.
type Store struct {
	db       *sql.DB
	dbConfig *dbconn.DBConfig
	logger   loggers.Advanced

	clientID string
	serverID uint64

	mu      sync.Mutex
	current Position
	seq     uint64
}

// New constructs a Store bound to one (client_id, server_id) identity.
func New(db *sql.DB, dbConfig *dbconn.DBConfig, clientID string, serverID uint64, logger loggers.Advanced) *Store {
	return &Store{
		db:       db,
		dbConfig: dbConfig,
		clientID: clientID,
		serverID: serverID,
		logger:   logger,
	}
}

// EnsureSchema creates the positions/heartbeats tables if they don't
// exist, and seeds the write-sequence counter from whatever is already
// persisted so written_seq stays monotonic across process restarts.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaDDL) {
		if err := dbconn.DBExec(ctx, s.db, s.dbConfig, stmt); err != nil {
			return perrors.Annotate(err, "posstore: ensure schema")
		}
	}
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(written_seq), 0) FROM _flowtap_heartbeats`)
	var seq uint64
	if err := row.Scan(&seq); err != nil {
		return perrors.Annotate(err, "posstore: seed sequence")
	}
	for {
		cur := atomic.LoadUint64(&s.seq)
		if seq <= cur || atomic.CompareAndSwapUint64(&s.seq, cur, seq) {
			break
		}
	}
	return nil
}

// Load returns the durable position for this store's (client_id,
// server_id), if one has been committed before.
func (s *Store) Load(ctx context.Context) (Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT binlog_file, offset_, gtid_set, heartbeat_id, has_heartbeat
		FROM _flowtap_positions WHERE client_id = ? AND server_id = ?`,
		s.clientID, s.serverID)
	var p Position
	var hasHeartbeat int
	if err := row.Scan(&p.BinlogFile, &p.Offset, &p.GTIDSet, &p.HeartbeatID, &hasHeartbeat); err != nil {
		if err == sql.ErrNoRows {
			return Position{}, false, nil
		}
		return Position{}, false, perrors.Annotate(err, "posstore: load")
	}
	p.HasHeartbeat = hasHeartbeat != 0
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return p, true, nil
}

// Current returns the last position this Store instance has set or loaded,
// without hitting the database.
func (s *Store) Current() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set durably commits a new current position. It is rejected if p sorts
// before the currently committed position -- the store never rewinds.
func (s *Store) Set(ctx context.Context, p Position) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != (Position{}) && p.LessOrEqual(cur) && p != cur {
		return fmt.Errorf("posstore: refusing to set position %s, not after current %s", p, cur)
	}
	hasHeartbeat := 0
	if p.HasHeartbeat {
		hasHeartbeat = 1
	}
	_, err := dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
		`REPLACE INTO _flowtap_positions (client_id, server_id, binlog_file, offset_, gtid_set, heartbeat_id, has_heartbeat)
		 VALUES (%s, %d, %s, %d, %s, %d, %d)`,
		quote(s.clientID), s.serverID, quote(p.BinlogFile), p.Offset, quote(p.GTIDSet), p.HeartbeatID, hasHeartbeat))
	if err != nil {
		return perrors.Annotate(err, "posstore: set")
	}
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return nil
}

// RecordHeartbeat persists a recovery candidate: the position at which a
// heartbeat with the given id was observed. A successor client (after
// master failover) reads it back through GetRecoveryInfo, which picks the
// greatest heartbeat id.
func (s *Store) RecordHeartbeat(ctx context.Context, info RecoveryInfo) error {
	seq := atomic.AddUint64(&s.seq, 1)
	_, err := dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
		`REPLACE INTO _flowtap_heartbeats (server_id, heartbeat_id, client_id, binlog_file, offset_, gtid_set, written_seq)
		 VALUES (%d, %d, %s, %s, %d, %s, %d)`,
		info.ServerID, info.LastHeartbeatID, quote(info.ClientID),
		quote(info.Position.BinlogFile), info.Position.Offset, quote(info.Position.GTIDSet), seq))
	if err != nil {
		return perrors.Annotate(err, "posstore: record heartbeat")
	}
	return nil
}

// GetRecoveryInfo returns the most recent heartbeat tuple written by a
// server_id other than excludeServerID -- so recovery only considers a
// plausible predecessor, never itself. Among candidates it
// picks the greatest heartbeat_id.
func (s *Store) GetRecoveryInfo(ctx context.Context, excludeServerID uint64) (*RecoveryInfo, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, heartbeat_id, client_id, binlog_file, offset_, gtid_set, written_seq
		FROM _flowtap_heartbeats
		WHERE server_id != ?
		ORDER BY heartbeat_id DESC, written_seq DESC
		LIMIT 1`, excludeServerID)
	var info RecoveryInfo
	if err := row.Scan(&info.ServerID, &info.LastHeartbeatID, &info.ClientID,
		&info.Position.BinlogFile, &info.Position.Offset, &info.Position.GTIDSet, &info.WrittenAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, perrors.Annotate(err, "posstore: get recovery info")
	}
	info.Position.HeartbeatID = info.LastHeartbeatID
	info.Position.HasHeartbeat = true
	return &info, true, nil
}

// GetClientPosition returns the most recently committed position for a
// different client_id against the same upstream server_id -- the
// fallback that guards against losing DDL applied between a retired
// client's last position and now.
func (s *Store) GetClientPosition(ctx context.Context, serverID uint64, excludeClientID string) (*Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT binlog_file, offset_, gtid_set, heartbeat_id, has_heartbeat
		FROM _flowtap_positions
		WHERE server_id = ? AND client_id != ?
		ORDER BY updated_at DESC
		LIMIT 1`, serverID, excludeClientID)
	var p Position
	var hasHeartbeat int
	if err := row.Scan(&p.BinlogFile, &p.Offset, &p.GTIDSet, &p.HeartbeatID, &hasHeartbeat); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, perrors.Annotate(err, "posstore: get client position")
	}
	p.HasHeartbeat = hasHeartbeat != 0
	return &p, true, nil
}

// CleanupOldRecoveryInfos purges heartbeat tuples that are older than the
// currently established cursor for this store's server_id -- they can no
// longer be useful as a recovery target.
func (s *Store) CleanupOldRecoveryInfos(ctx context.Context) error {
	cur := s.Current()
	_, err := dbconn.RetryableTransaction(ctx, s.db, s.dbConfig, fmt.Sprintf(
		`DELETE FROM _flowtap_heartbeats WHERE server_id = %d AND heartbeat_id < %d`,
		s.serverID, cur.HeartbeatID))
	if err != nil {
		return perrors.Annotate(err, "posstore: cleanup")
	}
	return nil
}

func quote(s string) string {
	// Metadata identifiers/values here are operator-controlled (client_id,
	// binlog file names, GTID sets) rather than attacker-controlled, but
	// we still escape defensively: single quotes are doubled and
	// backslashes are backslash-escaped.
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

func splitStatements(ddl string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(ddl); i++ {
		c := ddl[i]
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
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
