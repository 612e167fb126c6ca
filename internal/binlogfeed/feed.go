// Package binlogfeed adapts github.com/go-mysql-org/go-mysql/canal into
// the ordered stream of tagged Events the replicator loop expects. Canal
// is assumed to deliver parsed events in order; this package's only job is
// translating its callback-based EventHandler into a channel the
// single-threaded replicator can range over.
package binlogfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/posstore"
)

// Kind tags an Event by the upstream binlog event class it came from.
type Kind int

const (
	KindWriteRows Kind = iota
	KindUpdateRows
	KindDeleteRows
	KindQuery // DDL carrier
	KindRotate
	KindXid
	KindHeartbeat
	KindGTID
)

// Event is one item from the ordered binlog stream.
type Event struct {
	Kind     Kind
	Position posstore.Position
	ServerID uint64

	// EventTime is the upstream binlog event's own header timestamp (wall
	// clock of the writing server, second resolution). The replicator uses
	// it to report replication lag.
	EventTime time.Time

	// Row event fields.
	Schema  string
	Table   string
	TableID uint64
	Rows    [][]interface{} // for Update, consecutive pairs are (before, after)

	// Query (DDL) event fields.
	SQL       string
	DefaultDB string

	// GTID event fields.
	GTIDSet string
}

// Feed delivers the ordered event stream from one upstream connection.
type Feed interface {
	Run(ctx context.Context, startPos posstore.Position) error
	Events() <-chan Event
	Errors() <-chan error
	SyncedPosition() posstore.Position
	Close()
}

// Config configures a Canal-backed Feed.
type Config struct {
	Addr     string
	User     string
	Password string
	ServerID uint32
	Flavor   string // "mysql" or "mariadb"
	Logger   loggers.Advanced

	// QueueSize bounds the event channel -- the client blocks (providing
	// backpressure) once it's full.
	QueueSize int
}

// CanalFeed wraps canal.Canal.
type CanalFeed struct {
	cfg    Config
	c      *canal.Canal
	events chan Event
	errs   chan error
	synced posstore.Position

	closeOnce sync.Once
	stopped   chan struct{}

	fileMu      sync.Mutex
	currentFile string
}

// NewCanalFeed constructs (but does not start) a Feed.
func NewCanalFeed(cfg Config) (*CanalFeed, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	canalCfg := canal.NewDefaultConfig()
	canalCfg.Addr = cfg.Addr
	canalCfg.User = cfg.User
	canalCfg.Password = cfg.Password
	canalCfg.ServerID = cfg.ServerID
	canalCfg.Flavor = cfg.Flavor
	canalCfg.Dump.ExecutionPath = "" // never use mysqldump; we only ever stream forward from a known position

	c, err := canal.NewCanal(canalCfg)
	if err != nil {
		return nil, fmt.Errorf("binlogfeed: could not create canal: %w", err)
	}
	f := &CanalFeed{
		cfg:     cfg,
		c:       c,
		events:  make(chan Event, cfg.QueueSize),
		errs:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
	c.SetEventHandler(&handler{feed: f})
	return f, nil
}

// Run starts streaming from startPos. It blocks until ctx is cancelled or a
// fatal error occurs; callers should invoke it from its own goroutine.
func (f *CanalFeed) Run(ctx context.Context, startPos posstore.Position) error {
	go func() {
		<-ctx.Done()
		f.Close()
	}()
	f.setCurrentFile(startPos.BinlogFile)
	pos := mysql.Position{Name: startPos.BinlogFile, Pos: uint32(startPos.Offset)}
	var err error
	if startPos.GTIDSet != "" {
		set, gerr := mysql.ParseMysqlGTIDSet(startPos.GTIDSet)
		if gerr != nil {
			return fmt.Errorf("binlogfeed: invalid gtid set %q: %w", startPos.GTIDSet, gerr)
		}
		err = f.c.StartFromGTID(set)
	} else {
		err = f.c.RunFrom(pos)
	}
	if err == nil || errors.Is(err, errFeedClosed) {
		return nil
	}
	wrapped := wrapRetentionError(err)
	select {
	case f.errs <- wrapped:
	default:
	}
	return wrapped
}

func (f *CanalFeed) setCurrentFile(name string) {
	f.fileMu.Lock()
	f.currentFile = name
	f.fileMu.Unlock()
}

func (f *CanalFeed) currentBinlogFile() string {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	return f.currentFile
}

func (f *CanalFeed) Events() <-chan Event { return f.events }
func (f *CanalFeed) Errors() <-chan error { return f.errs }

func (f *CanalFeed) SyncedPosition() posstore.Position {
	p := f.c.SyncedPosition()
	return posstore.Position{BinlogFile: p.Name, Offset: uint64(p.Pos)}
}

// Close shuts the feed down: it unblocks any emit waiting on a full event
// queue and stops the underlying canal. Safe to call more than once.
func (f *CanalFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.stopped)
		f.c.Close()
	})
}

// handler implements canal.EventHandler, translating callbacks into Events
// on the feed's channel. It embeds canal.DummyEventHandler so it only needs
// to override the hooks the replicator consumes.
type handler struct {
	canal.DummyEventHandler
	feed *CanalFeed
}

func (h *handler) OnRow(e *canal.RowsEvent) error {
	kind, err := rowKind(e.Action)
	if err != nil {
		return err
	}
	pos := posstore.Position{BinlogFile: h.feed.currentBinlogFile()}
	if e.Header != nil {
		pos.Offset = uint64(e.Header.LogPos)
	}
	ev := Event{
		Kind:      kind,
		Position:  pos,
		Schema:    e.Table.Schema,
		Table:     e.Table.Name,
		TableID:   e.Table.TableID,
		Rows:      e.Rows,
		EventTime: headerTime(e.Header),
	}
	return h.emit(ev)
}

func headerTime(header *replication.EventHeader) time.Time {
	if header == nil || header.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(int64(header.Timestamp), 0)
}

func rowKind(action string) (Kind, error) {
	switch action {
	case canal.InsertAction:
		return KindWriteRows, nil
	case canal.UpdateAction:
		return KindUpdateRows, nil
	case canal.DeleteAction:
		return KindDeleteRows, nil
	default:
		return 0, fmt.Errorf("binlogfeed: unknown row action %q", action)
	}
}

func (h *handler) OnDDL(header *replication.EventHeader, nextPos mysql.Position, queryEvent *replication.QueryEvent) error {
	return h.emit(Event{
		Kind:      KindQuery,
		SQL:       string(queryEvent.Query),
		DefaultDB: string(queryEvent.Schema),
		Position:  posstore.Position{BinlogFile: nextPos.Name, Offset: uint64(nextPos.Pos)},
		EventTime: headerTime(header),
	})
}

func (h *handler) OnRotate(header *replication.EventHeader, ev *replication.RotateEvent) error {
	h.feed.setCurrentFile(string(ev.NextLogName))
	return h.emit(Event{
		Kind:      KindRotate,
		Position:  posstore.Position{BinlogFile: string(ev.NextLogName), Offset: ev.Position},
		EventTime: headerTime(header),
	})
}

func (h *handler) OnXID(header *replication.EventHeader, nextPos mysql.Position) error {
	return h.emit(Event{
		Kind:      KindXid,
		Position:  posstore.Position{BinlogFile: nextPos.Name, Offset: uint64(nextPos.Pos)},
		EventTime: headerTime(header),
	})
}

func (h *handler) OnGTID(header *replication.EventHeader, gtid mysql.BinlogGTIDEvent) error {
	gtidSet, err := gtid.GTIDNext()
	if err != nil {
		return err
	}
	return h.emit(Event{Kind: KindGTID, GTIDSet: gtidSet.String()})
}

func (h *handler) OnPosSynced(header *replication.EventHeader, pos mysql.Position, set mysql.GTIDSet, force bool) error {
	gtidSet := ""
	if set != nil {
		gtidSet = set.String()
	}
	h.feed.synced = posstore.Position{BinlogFile: pos.Name, Offset: uint64(pos.Pos), GTIDSet: gtidSet}
	return nil
}

func (h *handler) String() string { return "flowtapBinlogFeedHandler" }

// errFeedClosed stops the canal event loop once the feed is shut down; it
// is not pushed onto the errs channel, since shutdown is not a fault.
var errFeedClosed = errors.New("binlogfeed: feed closed")

// emit blocks until the replicator drains a slot off the event queue --
// a full queue is backpressure on the upstream client, not an error. The
// only escape is feed shutdown.
func (h *handler) emit(ev Event) error {
	select {
	case h.feed.events <- ev:
		return nil
	case <-h.feed.stopped:
		return errFeedClosed
	}
}

// BinlogRetentionLostError reports that the upstream no longer has the
// requested binlog file or GTID set -- the position this process needs to
// resume from has fallen out of retention and recovery cannot proceed
// without a full re-capture.
type BinlogRetentionLostError struct {
	Cause error
}

func (e *BinlogRetentionLostError) Error() string {
	return fmt.Sprintf("binlogfeed: binlog retention lost: %v", e.Cause)
}

func (e *BinlogRetentionLostError) Unwrap() error { return e.Cause }

// wrapRetentionError classifies an error returned from canal's RunFrom or
// StartFromGTID. The go-mysql client doesn't expose a typed error for a
// purged binlog file or GTID, so this matches on the messages it's known to
// return (ERROR 1236 from the master, or canal's own "not found" wrapper).
func wrapRetentionError(err error) error {
	if err == nil || !looksLikeRetentionLoss(err) {
		return err
	}
	return &BinlogRetentionLostError{Cause: err}
}

func looksLikeRetentionLoss(err error) bool {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "binlog") && !strings.Contains(msg, "gtid") {
		return false
	}
	switch {
	case strings.Contains(msg, "purged"):
		return true
	case strings.Contains(msg, "could not find"):
		return true
	case strings.Contains(msg, "not found in"):
		return true
	case strings.Contains(msg, "has a lower seqno"):
		return true
	default:
		return false
	}
}
