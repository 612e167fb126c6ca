// Package heartbeat injects a periodic marker row into the upstream
// database. The marker flows through ordinary replication
// like any other row change, giving the replicator a steady supply of
// "I am alive, and upstream was at roughly this position at this wall
// clock time" checkpoints -- the raw material internal/recovery's
// master-failover strategy looks for, with a linear scan of the new
// upstream's binlog.
package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	perrors "github.com/pingcap/errors"
	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/dbconn"
)

// TableName is the upstream table the heartbeat writes into. It is created
// in the replicated database's own schema (not the metadata schema) so it
// flows through the same binlog stream as user tables.
const TableName = "_flowtap_heartbeat"

const createTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	client_id    VARCHAR(128) NOT NULL PRIMARY KEY,
	heartbeat_id BIGINT UNSIGNED NOT NULL,
	written_at   TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
)
`

// Writer periodically upserts a heartbeat row upstream. One Writer per
// client_id; the heartbeat_id it carries only ever increases.
type Writer struct {
	db       *sql.DB
	dbConfig *dbconn.DBConfig
	logger   loggers.Advanced
	clientID string
	database string
	interval time.Duration

	mu sync.Mutex
	id uint64
}

// New constructs a Writer bound to db, which must already point at the
// database being replicated.
func New(db *sql.DB, dbConfig *dbconn.DBConfig, logger loggers.Advanced, clientID, database string, interval time.Duration) *Writer {
	return &Writer{db: db, dbConfig: dbConfig, logger: logger, clientID: clientID, database: database, interval: interval}
}

func (w *Writer) qualifiedTable() string {
	return fmt.Sprintf("`%s`.%s", w.database, TableName)
}

// EnsureTable creates the heartbeat table in the target database if it
// doesn't already exist, and resumes the id counter from the last id this
// client wrote -- heartbeat_id must keep increasing across process
// restarts, since master recovery picks the greatest id it can find.
func (w *Writer) EnsureTable(ctx context.Context) error {
	if err := dbconn.DBExec(ctx, w.db, w.dbConfig, fmt.Sprintf(createTableDDL, w.qualifiedTable())); err != nil {
		return err
	}
	row := w.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT heartbeat_id FROM %s WHERE client_id = %s`, w.qualifiedTable(), quote(w.clientID)))
	var id uint64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return perrors.Annotate(err, "heartbeat: load last id")
	}
	w.mu.Lock()
	if id > w.id {
		w.id = id
	}
	w.mu.Unlock()
	return nil
}

// Tick upserts one heartbeat row, advancing the monotonic heartbeat_id,
// and returns the id it just wrote.
func (w *Writer) Tick(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	w.id++
	id := w.id
	w.mu.Unlock()

	_, err := dbconn.RetryableTransaction(ctx, w.db, w.dbConfig, fmt.Sprintf(
		`INSERT INTO %s (client_id, heartbeat_id) VALUES (%s, %d)
		 ON DUPLICATE KEY UPDATE heartbeat_id = VALUES(heartbeat_id)`,
		w.qualifiedTable(), quote(w.clientID), id))
	if err != nil {
		return 0, perrors.Annotatef(err, "heartbeat: tick for client %s", w.clientID)
	}
	return id, nil
}

// Run ticks on interval until ctx is cancelled, invoking onTick with every
// id it writes. Recovery candidates are not recorded here: the replicator
// records a RecoveryInfo when the heartbeat row comes back through the
// binlog.
func (w *Writer) Run(ctx context.Context, onTick func(id uint64, writtenAt time.Time)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			id, err := w.Tick(ctx)
			if err != nil {
				w.logger.Errorf("heartbeat: tick failed: %v", err)
				continue
			}
			if onTick != nil {
				onTick(id, time.Now())
			}
		}
	}
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
