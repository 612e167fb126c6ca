// Package replicator is the core state machine: it
// consumes the ordered binlog event stream, decodes row changes against
// the current schema mirror, applies DDL to keep that mirror current, and
// forwards decoded records to a producer, only advancing its durable
// position after a record (or a schema change) is confirmed committed
// downstream.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/binlogfeed"
	"github.com/flowtap/flowtap/internal/ddl"
	"github.com/flowtap/flowtap/internal/halease"
	"github.com/flowtap/flowtap/internal/heartbeat"
	"github.com/flowtap/flowtap/internal/posstore"
	"github.com/flowtap/flowtap/internal/producer"
	"github.com/flowtap/flowtap/internal/schema"
	"github.com/flowtap/flowtap/internal/schemastore"
)

// State is the replicator's lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Config bundles everything a Replicator needs to run one client identity
// against one upstream server identity.
type Config struct {
	ClientID string
	ServerID uint64
	Database string // the database the heartbeat table lives in; also the default DDL database

	Feed      binlogfeed.Feed
	Positions *posstore.Store
	Schemas   *schemastore.Store
	Sink      producer.Producer
	Lease     halease.Lease
	Heartbeat *heartbeat.Writer // non-nil: heartbeat-table rows are recorded as recovery candidates instead of emitted
	Filter    *Filter

	Logger loggers.Advanced

	// LiveTable re-introspects one table's current definition on the live
	// upstream. It is consulted only after a ColumnCastError, to log the
	// divergence between the live and tracked definitions before the loop
	// terminates; nil skips the diff.
	LiveTable func(ctx context.Context, database, table string) (*schema.Table, error)

	// FlushInterval bounds how long records sit buffered before the
	// replicator forces a producer Flush and advances its position, even
	// absent an Xid boundary (e.g. for non-transactional storage engines).
	FlushInterval time.Duration

	// StatusInterval is how often the replicator logs replication lag
	// (wall clock minus the most recently processed event's own binlog
	// timestamp). Defaults to 30s if unset (see New).
	StatusInterval time.Duration
}

// Replicator runs the event loop for one upstream connection.
type Replicator struct {
	cfg Config

	mu               sync.RWMutex
	state            State
	currentSchema    *schema.Schema
	currentCaptureID uint64
	lastErr          error
	lastEventTime    time.Time
}

// New constructs a Replicator seeded with the schema/position recovery
// already resolved (internal/recovery), and the schema-store row id recorded
// as base_schema_id on the next appended delta (0 when the caller has none).
func New(cfg Config, initialSchema *schema.Schema, captureID uint64) *Replicator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 30 * time.Second
	}
	return &Replicator{cfg: cfg, state: StateInit, currentSchema: initialSchema, currentCaptureID: captureID}
}

// State returns the replicator's current lifecycle state.
func (r *Replicator) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Replicator) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Replicator) schema() *schema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentSchema
}

func (r *Replicator) setSchema(s *schema.Schema) {
	r.mu.Lock()
	r.currentSchema = s
	r.mu.Unlock()
}

// Run blocks until ctx is cancelled, leadership is lost, or a terminal
// error occurs. It implements lifecycle.Runnable.
func (r *Replicator) Run(ctx context.Context) error {
	if err := r.cfg.Lease.Await(ctx); err != nil {
		r.setState(StateFailed)
		return fmt.Errorf("replicator: awaiting leadership: %w", err)
	}
	defer r.cfg.Lease.Close()

	r.setState(StateRunning)
	startPos := r.cfg.Positions.Current()
	go func() {
		if err := r.cfg.Feed.Run(ctx, startPos); err != nil && ctx.Err() == nil {
			r.cfg.Logger.Errorf("replicator: feed run exited: %v", err)
		}
	}()

	flushTicker := time.NewTicker(r.cfg.FlushInterval)
	defer flushTicker.Stop()

	statusTicker := time.NewTicker(r.cfg.StatusInterval)
	defer statusTicker.Stop()

	pendingSinceFlush := false

	for {
		select {
		case <-ctx.Done():
			r.setState(StateStopping)
			_ = r.flushAndCommit(ctx)
			r.setState(StateStopped)
			return nil

		case <-r.cfg.Lease.Lost():
			return r.fail(&halease.LeadershipLostError{})

		case err := <-r.cfg.Feed.Errors():
			return r.fail(fmt.Errorf("binlog feed error: %w", err))

		case <-statusTicker.C:
			r.logLag()

		case <-flushTicker.C:
			if pendingSinceFlush {
				if err := r.flushAndCommit(ctx); err != nil {
					return r.fail(err)
				}
				pendingSinceFlush = false
			}

		case ev, ok := <-r.cfg.Feed.Events():
			if !ok {
				r.setState(StateStopping)
				_ = r.flushAndCommit(ctx)
				r.setState(StateStopped)
				return nil
			}
			r.recordEventTime(ev.EventTime)
			done, err := r.handleEvent(ctx, ev)
			if err != nil {
				return r.fail(err)
			}
			if done {
				pendingSinceFlush = true
			}
			if ev.Kind == binlogfeed.KindXid {
				if err := r.flushAndCommit(ctx); err != nil {
					return r.fail(err)
				}
				pendingSinceFlush = false
			}
		}
	}
}

func (r *Replicator) recordEventTime(t time.Time) {
	if t.IsZero() {
		return
	}
	r.mu.Lock()
	r.lastEventTime = t
	r.mu.Unlock()
}

// logLag reports wall-clock lag behind the upstream binlog on a fixed
// cadence, so an operator can tell stalled from merely quiet.
func (r *Replicator) logLag() {
	r.mu.RLock()
	last := r.lastEventTime
	r.mu.RUnlock()
	if last.IsZero() || r.cfg.Logger == nil {
		return
	}
	r.cfg.Logger.Infof("replicator: lag=%s client=%s", time.Since(last).Round(time.Second), r.cfg.ClientID)
}

// fail records the failing cause, transitions to StateFailed, and returns
// the TerminalError Run should return.
func (r *Replicator) fail(cause error) error {
	r.mu.Lock()
	r.state = StateFailed
	r.lastErr = cause
	r.mu.Unlock()
	return &TerminalError{Cause: cause}
}

// handleEvent dispatches one binlog event. It returns true when the event
// produced work a flush should cover.
func (r *Replicator) handleEvent(ctx context.Context, ev binlogfeed.Event) (bool, error) {
	switch ev.Kind {
	case binlogfeed.KindWriteRows, binlogfeed.KindUpdateRows, binlogfeed.KindDeleteRows:
		return true, r.handleRowEvent(ctx, ev)
	case binlogfeed.KindQuery:
		return true, r.handleDDLEvent(ctx, ev)
	case binlogfeed.KindRotate, binlogfeed.KindXid, binlogfeed.KindGTID:
		return false, nil
	default:
		return false, nil
	}
}

func (r *Replicator) handleRowEvent(ctx context.Context, ev binlogfeed.Event) error {
	if !r.cfg.Filter.Allows(ev.Schema, ev.Table) {
		return nil
	}
	if r.cfg.Heartbeat != nil && ev.Table == heartbeat.TableName {
		return r.handleHeartbeatRow(ctx, ev)
	}

	snap := r.schema()
	db := snap.FindDatabase(ev.Schema)
	if db == nil {
		return fmt.Errorf("replicator: row event for unknown database %s", ev.Schema)
	}
	t := db.FindTable(ev.Table)
	if t == nil {
		return fmt.Errorf("replicator: row event for unknown table %s.%s", ev.Schema, ev.Table)
	}

	kind := rowKindFor(ev.Kind)
	switch ev.Kind {
	case binlogfeed.KindUpdateRows:
		for i := 0; i+1 < len(ev.Rows); i += 2 {
			before, err := r.decodeOrDiff(ctx, ev.Schema, t, ev.Rows[i])
			if err != nil {
				return err
			}
			after, err := r.decodeOrDiff(ctx, ev.Schema, t, ev.Rows[i+1])
			if err != nil {
				return err
			}
			if err := r.cfg.Sink.Enqueue(ctx, producer.Record{
				Kind: kind, Database: ev.Schema, Table: ev.Table,
				Position: ev.Position.String(), Before: before, After: after, Timestamp: time.Now().Unix(),
			}); err != nil {
				return fmt.Errorf("replicator: enqueue update: %w", err)
			}
		}
	default:
		for _, row := range ev.Rows {
			decoded, err := r.decodeOrDiff(ctx, ev.Schema, t, row)
			if err != nil {
				return err
			}
			rec := producer.Record{Kind: kind, Database: ev.Schema, Table: ev.Table, Position: ev.Position.String(), Timestamp: time.Now().Unix()}
			if ev.Kind == binlogfeed.KindDeleteRows {
				rec.Before = decoded
			} else {
				rec.After = decoded
			}
			if err := r.cfg.Sink.Enqueue(ctx, rec); err != nil {
				return fmt.Errorf("replicator: enqueue %s: %w", kind, err)
			}
		}
	}
	return nil
}

func rowKindFor(k binlogfeed.Kind) producer.RecordKind {
	switch k {
	case binlogfeed.KindWriteRows:
		return producer.RecordInsert
	case binlogfeed.KindUpdateRows:
		return producer.RecordUpdate
	case binlogfeed.KindDeleteRows:
		return producer.RecordDelete
	}
	return producer.RecordInsert
}

// decodeRow zips a raw binlog row image against t's columns by ordinal,
// per the Record Decode Contract: a mismatch raises
// ColumnCastError, which the caller propagates as a terminal error.
func decodeRow(database string, t *schema.Table, row []interface{}) (map[string]any, error) {
	out := make(map[string]any, len(t.Columns))
	for i, col := range t.Columns {
		var raw any
		if i < len(row) {
			raw = row[i]
		}
		v, err := col.Decode(raw)
		if err != nil {
			return nil, &ddl.ColumnCastError{Database: database, Table: t.Name, Column: col.Name(), Cause: err}
		}
		out[col.Name()] = v
	}
	return out, nil
}

// decodeOrDiff decodes one row image, and on a ColumnCastError logs the
// divergence between the live upstream definition and the tracked one
// before returning the error.
func (r *Replicator) decodeOrDiff(ctx context.Context, database string, t *schema.Table, row []interface{}) (map[string]any, error) {
	decoded, err := decodeRow(database, t, row)
	if err != nil {
		var cast *ddl.ColumnCastError
		if errors.As(err, &cast) {
			r.logSchemaDrift(ctx, cast, t)
		}
		return nil, err
	}
	return decoded, nil
}

// logSchemaDrift re-introspects the failing table on the live upstream and
// logs every divergence from the tracked definition.
func (r *Replicator) logSchemaDrift(ctx context.Context, cast *ddl.ColumnCastError, tracked *schema.Table) {
	if r.cfg.Logger == nil {
		return
	}
	if r.cfg.LiveTable == nil {
		r.cfg.Logger.Errorf("replicator: decode mismatch at %s.%s.%s, no live connection to diff against",
			cast.Database, cast.Table, cast.Column)
		return
	}
	live, err := r.cfg.LiveTable(ctx, cast.Database, cast.Table)
	if err != nil {
		r.cfg.Logger.Errorf("replicator: re-introspecting %s.%s after decode mismatch: %v", cast.Database, cast.Table, err)
		return
	}
	var lines []string
	schema.DiffTables(cast.Database, tracked, live, &lines, "tracked", "live")
	if len(lines) == 0 {
		lines = []string{fmt.Sprintf("%s.%s: live definition matches tracked, value at column %s does not fit its declared type",
			cast.Database, cast.Table, cast.Column)}
	}
	for _, line := range lines {
		r.cfg.Logger.Errorf("replicator: schema drift: %s", line)
	}
}

// handleHeartbeatRow recognizes a tick of our own heartbeat table passing
// back through the binlog and records it as a recovery candidate. It never reaches the producer.
func (r *Replicator) handleHeartbeatRow(ctx context.Context, ev binlogfeed.Event) error {
	for _, row := range heartbeatRows(ev) {
		if len(row) < 2 {
			continue
		}
		heartbeatID, ok := asUint64(row[1])
		if !ok {
			continue
		}
		info := posstore.RecoveryInfo{
			ServerID:        r.cfg.ServerID,
			Position:        ev.Position,
			LastHeartbeatID: heartbeatID,
			ClientID:        r.cfg.ClientID,
		}
		info.Position.HeartbeatID = heartbeatID
		info.Position.HasHeartbeat = true
		if err := r.cfg.Positions.RecordHeartbeat(ctx, info); err != nil {
			return fmt.Errorf("replicator: record heartbeat: %w", err)
		}
	}
	return nil
}

// heartbeatRows returns the rows in ev worth recording a RecoveryInfo for.
// ev.Rows holds consecutive (before, after) pairs for KindUpdateRows, the
// same as handleRowEvent's own update branch above; only the after image
// reflects the heartbeat tick that actually committed.
func heartbeatRows(ev binlogfeed.Event) [][]interface{} {
	if ev.Kind != binlogfeed.KindUpdateRows {
		return ev.Rows
	}
	after := make([][]interface{}, 0, len(ev.Rows)/2)
	for i := 1; i < len(ev.Rows); i += 2 {
		after = append(after, ev.Rows[i])
	}
	return after
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// handleDDLEvent parses a Query event into deltas, applies each to the
// in-memory schema, and persists it before the schema pointer is swapped --
// so a crash mid-DDL never leaves the
// in-memory schema ahead of the durable one.
func (r *Replicator) handleDDLEvent(ctx context.Context, ev binlogfeed.Event) error {
	deltas, err := ddl.Parse(ev.SQL, ev.DefaultDB)
	if err != nil {
		return &ddl.ParseError{SQL: ev.SQL, Cause: err}
	}
	if len(deltas) == 0 {
		return nil
	}
	cur := r.schema()
	pos := schema.Pos{File: ev.Position.BinlogFile, Offset: ev.Position.Offset}
	for _, d := range deltas {
		// DDL against a filtered-out table is still applied (later decode
		// may depend on it), but a wholly excluded database never gets rows
		// decoded, so its schema history is not worth mirroring.
		if !r.cfg.Filter.AllowsDatabase(d.TargetDatabase()) {
			if r.cfg.Logger != nil {
				r.cfg.Logger.Debugf("replicator: skipping ddl %q for excluded database", d.String())
			}
			continue
		}
		next, err := d.Apply(cur)
		if err != nil {
			return fmt.Errorf("replicator: apply ddl %q: %w", d.String(), err)
		}
		id, err := r.cfg.Schemas.AppendDelta(ctx, r.cfg.ServerID, r.currentCaptureID, pos, d)
		if err != nil {
			return fmt.Errorf("replicator: persist ddl %q: %w", d.String(), err)
		}
		cur = next
		r.mu.Lock()
		r.currentCaptureID = id
		r.mu.Unlock()
	}
	r.setSchema(cur)
	return nil
}

// flushAndCommit flushes the producer and, only once that succeeds,
// advances the durable position: the cursor moves only past records the
// sink has acknowledged.
func (r *Replicator) flushAndCommit(ctx context.Context) error {
	if err := r.cfg.Sink.Flush(ctx); err != nil {
		return fmt.Errorf("replicator: flush producer: %w", err)
	}
	pos := r.cfg.Feed.SyncedPosition()
	if err := r.cfg.Positions.Set(ctx, pos); err != nil {
		return fmt.Errorf("replicator: commit position: %w", err)
	}
	return nil
}

// LastError returns the error the replicator most recently failed with, if
// any -- used by callers probing state after Run returns.
func (r *Replicator) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}
