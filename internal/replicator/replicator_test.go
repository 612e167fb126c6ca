package replicator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/internal/binlogfeed"
	"github.com/flowtap/flowtap/internal/ddl"
	"github.com/flowtap/flowtap/internal/producer"
	"github.com/flowtap/flowtap/internal/schema"
	"github.com/flowtap/flowtap/internal/schema/coltype"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New(false)
	s = s.WithDatabase(schema.NewDatabase("app", false))
	tbl := &schema.Table{
		Name:       "users",
		Columns:    []coltype.Column{&coltype.Int{NameV: "id", Bits: 64}, &coltype.String{NameV: "name"}},
		PrimaryKey: []string{"id"},
	}
	s, err := s.WithTable("app", tbl)
	require.NoError(t, err)
	return s
}

func newTestReplicator(t *testing.T, sink producer.Producer, filter *Filter) *Replicator {
	t.Helper()
	cfg := Config{
		ClientID: "test-client",
		ServerID: 1,
		Database: "app",
		Sink:     sink,
		Filter:   filter,
	}
	return New(cfg, testSchema(t), 0)
}

func TestHandleRowEventInsert(t *testing.T) {
	sink := producer.NewMemory()
	r := newTestReplicator(t, sink, nil)

	ev := binlogfeed.Event{
		Kind:   binlogfeed.KindWriteRows,
		Schema: "app",
		Table:  "users",
		Rows:   [][]interface{}{{int64(1), "alice"}},
	}
	done, err := r.handleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, done)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, producer.RecordInsert, records[0].Kind)
	assert.Equal(t, "alice", records[0].After["name"])
}

func TestHandleRowEventUpdatePairsBeforeAfter(t *testing.T) {
	sink := producer.NewMemory()
	r := newTestReplicator(t, sink, nil)

	ev := binlogfeed.Event{
		Kind:   binlogfeed.KindUpdateRows,
		Schema: "app",
		Table:  "users",
		Rows:   [][]interface{}{{int64(1), "alice"}, {int64(1), "alicia"}},
	}
	_, err := r.handleEvent(context.Background(), ev)
	require.NoError(t, err)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, producer.RecordUpdate, records[0].Kind)
	assert.Equal(t, "alice", records[0].Before["name"])
	assert.Equal(t, "alicia", records[0].After["name"])
}

func TestHandleRowEventDelete(t *testing.T) {
	sink := producer.NewMemory()
	r := newTestReplicator(t, sink, nil)

	ev := binlogfeed.Event{
		Kind:   binlogfeed.KindDeleteRows,
		Schema: "app",
		Table:  "users",
		Rows:   [][]interface{}{{int64(1), "alice"}},
	}
	_, err := r.handleEvent(context.Background(), ev)
	require.NoError(t, err)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, producer.RecordDelete, records[0].Kind)
	assert.Equal(t, "alice", records[0].Before["name"])
	assert.Nil(t, records[0].After)
}

func TestHandleRowEventSkipsFilteredTable(t *testing.T) {
	sink := producer.NewMemory()
	filter := NewFilter(nil, nil, nil, []string{"app.users"})
	r := newTestReplicator(t, sink, filter)

	ev := binlogfeed.Event{Kind: binlogfeed.KindWriteRows, Schema: "app", Table: "users", Rows: [][]interface{}{{int64(1), "alice"}}}
	_, err := r.handleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, sink.Records())
}

func TestHandleRowEventUnknownTableErrors(t *testing.T) {
	sink := producer.NewMemory()
	r := newTestReplicator(t, sink, nil)

	ev := binlogfeed.Event{Kind: binlogfeed.KindWriteRows, Schema: "app", Table: "missing", Rows: [][]interface{}{{int64(1)}}}
	_, err := r.handleEvent(context.Background(), ev)
	assert.Error(t, err)
}

func TestHandleRowEventColumnCastErrorIsTerminal(t *testing.T) {
	sink := producer.NewMemory()
	r := newTestReplicator(t, sink, nil)

	ev := binlogfeed.Event{
		Kind:   binlogfeed.KindWriteRows,
		Schema: "app",
		Table:  "users",
		Rows:   [][]interface{}{{"not-an-int", "alice"}},
	}
	_, err := r.handleEvent(context.Background(), ev)
	require.Error(t, err)
	r2 := r.fail(err)
	var terminal *TerminalError
	require.ErrorAs(t, r2, &terminal)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, err, r.LastError())
}

func TestColumnCastErrorLogsLiveDiff(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	live := &schema.Table{
		Name:    "users",
		Columns: []coltype.Column{&coltype.String{NameV: "id"}, &coltype.String{NameV: "name"}},
	}
	cfg := Config{
		ClientID: "test-client",
		Sink:     producer.NewMemory(),
		Logger:   logger,
		LiveTable: func(ctx context.Context, database, table string) (*schema.Table, error) {
			assert.Equal(t, "app", database)
			assert.Equal(t, "users", table)
			return live, nil
		},
	}
	r := New(cfg, testSchema(t), 0)

	ev := binlogfeed.Event{
		Kind:   binlogfeed.KindWriteRows,
		Schema: "app",
		Table:  "users",
		Rows:   [][]interface{}{{"not-an-int", "alice"}},
	}
	_, err := r.handleEvent(context.Background(), ev)
	require.Error(t, err)
	var cast *ddl.ColumnCastError
	require.ErrorAs(t, err, &cast)
	assert.Equal(t, "id", cast.Column)
	assert.Contains(t, buf.String(), "schema drift")
	assert.Contains(t, buf.String(), "id")
}

func TestColumnCastErrorLogsReintrospectFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	cfg := Config{
		ClientID: "test-client",
		Sink:     producer.NewMemory(),
		Logger:   logger,
		LiveTable: func(ctx context.Context, database, table string) (*schema.Table, error) {
			return nil, context.DeadlineExceeded
		},
	}
	r := New(cfg, testSchema(t), 0)

	ev := binlogfeed.Event{
		Kind:   binlogfeed.KindWriteRows,
		Schema: "app",
		Table:  "users",
		Rows:   [][]interface{}{{"not-an-int", "alice"}},
	}
	_, err := r.handleEvent(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "re-introspecting")
}

func TestHandleEventIgnoresRotateXidGTID(t *testing.T) {
	sink := producer.NewMemory()
	r := newTestReplicator(t, sink, nil)

	for _, kind := range []binlogfeed.Kind{binlogfeed.KindRotate, binlogfeed.KindXid, binlogfeed.KindGTID} {
		done, err := r.handleEvent(context.Background(), binlogfeed.Event{Kind: kind})
		require.NoError(t, err)
		assert.False(t, done)
	}
	assert.Empty(t, sink.Records())
}

func TestDecodeRowMissingTrailingColumnsDefaultNil(t *testing.T) {
	tbl := &schema.Table{Columns: []coltype.Column{&coltype.Int{NameV: "id", Bits: 64}, &coltype.String{NameV: "name", NullableV: true}}}
	row := []interface{}{int64(1)}
	decoded, err := decodeRow("app", tbl, row)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decoded["id"])
	assert.Nil(t, decoded["name"])
}

func TestReplicatorInitialState(t *testing.T) {
	r := newTestReplicator(t, producer.NewMemory(), nil)
	assert.Equal(t, StateInit, r.State())
	assert.Nil(t, r.LastError())
}

func TestNewDefaultsFlushInterval(t *testing.T) {
	r := New(Config{}, testSchema(t), 0)
	assert.Equal(t, time.Second, r.cfg.FlushInterval)
}

func TestNewDefaultsStatusInterval(t *testing.T) {
	r := New(Config{}, testSchema(t), 0)
	assert.Equal(t, 30*time.Second, r.cfg.StatusInterval)
}

func TestLogLagSkipsWithoutAnyEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	r := New(Config{Logger: logger}, testSchema(t), 0)
	r.logLag()
	assert.Empty(t, buf.String())
}

func TestLogLagReportsAfterEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	r := New(Config{Logger: logger, ClientID: "test-client"}, testSchema(t), 0)
	r.recordEventTime(time.Now().Add(-5 * time.Second))
	r.logLag()
	assert.Contains(t, buf.String(), "lag=")
	assert.Contains(t, buf.String(), "test-client")
}

func TestRecordEventTimeIgnoresZeroValue(t *testing.T) {
	r := New(Config{}, testSchema(t), 0)
	r.recordEventTime(time.Time{})
	assert.True(t, r.lastEventTime.IsZero())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestHeartbeatRowsPassesThroughNonUpdateKinds(t *testing.T) {
	rows := [][]interface{}{{"client-a", uint64(1)}, {"client-b", uint64(2)}}
	ev := binlogfeed.Event{Kind: binlogfeed.KindWriteRows, Rows: rows}
	assert.Equal(t, rows, heartbeatRows(ev))
}

func TestHeartbeatRowsTakesOnlyAfterImageOnUpdate(t *testing.T) {
	before := []interface{}{"client-a", uint64(1)}
	after := []interface{}{"client-a", uint64(2)}
	ev := binlogfeed.Event{Kind: binlogfeed.KindUpdateRows, Rows: [][]interface{}{before, after}}

	got := heartbeatRows(ev)
	require.Len(t, got, 1)
	assert.Equal(t, after, got[0])
}

func TestHandleDDLEventSkipsExcludedDatabase(t *testing.T) {
	filter := NewFilter(nil, []string{"ops"}, nil, nil)
	r := newTestReplicator(t, producer.NewMemory(), filter)

	ev := binlogfeed.Event{
		Kind:      binlogfeed.KindQuery,
		SQL:       "CREATE DATABASE ops",
		DefaultDB: "ops",
	}
	_, err := r.handleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, r.schema().FindDatabase("ops"))
}
