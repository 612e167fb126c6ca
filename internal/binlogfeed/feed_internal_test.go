package binlogfeed

import (
	"errors"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowKind(t *testing.T) {
	k, err := rowKind(canal.InsertAction)
	require.NoError(t, err)
	assert.Equal(t, KindWriteRows, k)

	k, err = rowKind(canal.UpdateAction)
	require.NoError(t, err)
	assert.Equal(t, KindUpdateRows, k)

	k, err = rowKind(canal.DeleteAction)
	require.NoError(t, err)
	assert.Equal(t, KindDeleteRows, k)
}

func TestRowKindUnknownAction(t *testing.T) {
	_, err := rowKind("truncate")
	assert.Error(t, err)
}

func TestLooksLikeRetentionLoss(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"ERROR 1236 (HY000): Could not find first log file name in binary log index file", true},
		{"binary log purged: requested file no longer exists", true},
		{"binlog file binlog.001 not found in index", true},
		{"gtid set has a lower seqno than the server retains", true},
		{"connection refused", false},
		{"invalid gtid set \"x\"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, looksLikeRetentionLoss(errors.New(c.msg)), c.msg)
	}
}

func TestWrapRetentionErrorPassesThroughOtherErrors(t *testing.T) {
	err := errors.New("connection refused")
	assert.Same(t, err, wrapRetentionError(err))
}

func TestWrapRetentionErrorWrapsRetentionLoss(t *testing.T) {
	cause := errors.New("binlog purged")
	wrapped := wrapRetentionError(cause)
	var retention *BinlogRetentionLostError
	require.ErrorAs(t, wrapped, &retention)
	assert.Same(t, cause, retention.Cause)
}

func TestBinlogRetentionLostErrorUnwraps(t *testing.T) {
	cause := errors.New("binlog purged")
	err := &BinlogRetentionLostError{Cause: cause}
	assert.Same(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "binlog purged")
}

func TestCurrentBinlogFileTracksSetCurrentFile(t *testing.T) {
	f := &CanalFeed{}
	assert.Empty(t, f.currentBinlogFile())
	f.setCurrentFile("binlog.007")
	assert.Equal(t, "binlog.007", f.currentBinlogFile())
}

func TestEmitDeliversWhenQueueHasRoom(t *testing.T) {
	f := &CanalFeed{events: make(chan Event, 1), stopped: make(chan struct{})}
	h := &handler{feed: f}
	require.NoError(t, h.emit(Event{Kind: KindXid}))
	ev := <-f.events
	assert.Equal(t, KindXid, ev.Kind)
}

func TestEmitBlocksOnFullQueueUntilDrained(t *testing.T) {
	f := &CanalFeed{events: make(chan Event, 1), stopped: make(chan struct{})}
	h := &handler{feed: f}
	require.NoError(t, h.emit(Event{Kind: KindXid}))

	delivered := make(chan error, 1)
	go func() { delivered <- h.emit(Event{Kind: KindRotate}) }()

	select {
	case err := <-delivered:
		t.Fatalf("emit returned %v before the queue was drained", err)
	case <-time.After(50 * time.Millisecond):
	}

	<-f.events
	require.NoError(t, <-delivered)
	ev := <-f.events
	assert.Equal(t, KindRotate, ev.Kind)
}

func TestEmitUnblocksOnFeedShutdown(t *testing.T) {
	f := &CanalFeed{events: make(chan Event), stopped: make(chan struct{})}
	h := &handler{feed: f}
	close(f.stopped)
	err := h.emit(Event{Kind: KindXid})
	assert.ErrorIs(t, err, errFeedClosed)
}
