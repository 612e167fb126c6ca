package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKindString(t *testing.T) {
	assert.Equal(t, "insert", RecordInsert.String())
	assert.Equal(t, "update", RecordUpdate.String())
	assert.Equal(t, "delete", RecordDelete.String())
	assert.Equal(t, "unknown", RecordKind(99).String())
}

func TestMemoryEnqueueAndRecords(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, Record{Kind: RecordInsert, Table: "users"}))
	require.NoError(t, m.Enqueue(ctx, Record{Kind: RecordDelete, Table: "users"}))
	require.NoError(t, m.Flush(ctx))

	records := m.Records()
	require.Len(t, records, 2)
	assert.Equal(t, RecordInsert, records[0].Kind)
	assert.Equal(t, RecordDelete, records[1].Kind)

	require.NoError(t, m.Close())
}

func TestMemoryRecordsReturnsSnapshot(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Enqueue(context.Background(), Record{Table: "users"}))
	snap := m.Records()
	snap[0].Table = "mutated"

	fresh := m.Records()
	assert.Equal(t, "users", fresh[0].Table, "mutating a returned snapshot must not affect the producer's state")
}

func TestFileEnqueueAndFlushWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.ndjson")

	f, err := NewFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Enqueue(ctx, Record{Kind: RecordInsert, Database: "app", Table: "users", Position: "binlog.000001:100", After: map[string]any{"id": float64(1)}}))
	require.NoError(t, f.Enqueue(ctx, Record{Kind: RecordDelete, Database: "app", Table: "users", Position: "binlog.000001:200", Before: map[string]any{"id": float64(1)}}))
	require.NoError(t, f.Flush(ctx))
	require.NoError(t, f.Close())

	contents, err := os.Open(path)
	require.NoError(t, err)
	defer contents.Close()

	scanner := bufio.NewScanner(contents)
	var lines []fileRecord
	for scanner.Scan() {
		var r fileRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "insert", lines[0].Kind)
	assert.Equal(t, "app", lines[0].Database)
	assert.Equal(t, "delete", lines[1].Kind)
}

func TestFileAppendsAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.ndjson")

	f1, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f1.Enqueue(context.Background(), Record{Table: "first"}))
	require.NoError(t, f1.Close())

	f2, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f2.Enqueue(context.Background(), Record{Table: "second"}))
	require.NoError(t, f2.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(raw))
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
