package binlogfeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/flowtap/flowtap/internal/posstore"
)

// HeartbeatMatch identifies one heartbeat tick by the client_id that wrote
// it and the heartbeat_id it carried.
type HeartbeatMatch struct {
	Database    string
	Table       string
	ClientID    string
	HeartbeatID uint64
}

var errHeartbeatScanStopped = errors.New("binlogfeed: heartbeat scan stopped")

// SeekHeartbeat connects to the upstream described by cfg as a short-lived
// replica and scans its binlog, from the oldest file it still retains up
// to the server's current position, for the row that committed want's
// (client_id, heartbeat_id) pair. Binlog (file, offset) coordinates are
// server-local and don't carry across a master/replica failover, so this
// is how master-failover recovery translates a heartbeat recorded in the
// old server's coordinate space into a position in the new server's own.
//
// It returns ok=false with a nil error if the server's entire retained
// binlog history was scanned without finding a match.
func SeekHeartbeat(ctx context.Context, cfg Config, want HeartbeatMatch) (posstore.Position, bool, error) {
	canalCfg := canal.NewDefaultConfig()
	canalCfg.Addr = cfg.Addr
	canalCfg.User = cfg.User
	canalCfg.Password = cfg.Password
	canalCfg.ServerID = cfg.ServerID
	canalCfg.Flavor = cfg.Flavor
	canalCfg.Dump.ExecutionPath = ""

	c, err := canal.NewCanal(canalCfg)
	if err != nil {
		return posstore.Position{}, false, fmt.Errorf("binlogfeed: seek heartbeat: create canal: %w", err)
	}
	defer c.Close()

	startPos, err := oldestBinlogPosition(c)
	if err != nil {
		return posstore.Position{}, false, err
	}
	stopPos, err := c.GetMasterPos()
	if err != nil {
		return posstore.Position{}, false, fmt.Errorf("binlogfeed: seek heartbeat: get master position: %w", err)
	}

	scan := &heartbeatScan{
		want:        want,
		stop:        stopPos,
		currentFile: startPos.Name,
		result:      make(chan posstore.Position, 1),
		exhausted:   make(chan struct{}, 1),
	}
	c.SetEventHandler(scan)

	runErr := make(chan error, 1)
	go func() { runErr <- c.RunFrom(startPos) }()

	select {
	case <-ctx.Done():
		return posstore.Position{}, false, ctx.Err()
	case pos := <-scan.result:
		return pos, true, nil
	case <-scan.exhausted:
		return posstore.Position{}, false, nil
	case err := <-runErr:
		select {
		case pos := <-scan.result:
			return pos, true, nil
		default:
		}
		select {
		case <-scan.exhausted:
			return posstore.Position{}, false, nil
		default:
		}
		if err != nil && !errors.Is(err, errHeartbeatScanStopped) {
			return posstore.Position{}, false, wrapRetentionError(err)
		}
		return posstore.Position{}, false, nil
	}
}

func oldestBinlogPosition(c *canal.Canal) (mysql.Position, error) {
	rr, err := c.Execute("SHOW BINARY LOGS")
	if err != nil {
		return mysql.Position{}, fmt.Errorf("binlogfeed: seek heartbeat: show binary logs: %w", err)
	}
	name, err := rr.GetString(0, 0)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("binlogfeed: seek heartbeat: no retained binlog files: %w", err)
	}
	return mysql.Position{Name: name, Pos: 4}, nil
}

// heartbeatScan implements canal.EventHandler, watching the stream for one
// row event matching want and tracking the current binlog file the same
// way CanalFeed's own handler does.
type heartbeatScan struct {
	canal.DummyEventHandler
	want HeartbeatMatch
	stop mysql.Position

	currentFile string
	result      chan posstore.Position
	exhausted   chan struct{}
}

func (s *heartbeatScan) OnRow(e *canal.RowsEvent) error {
	if e.Table.Schema != s.want.Database || e.Table.Name != s.want.Table {
		return s.checkExhausted(e.Header)
	}

	rows := e.Rows
	if e.Action == canal.UpdateAction {
		after := make([][]interface{}, 0, len(rows)/2)
		for i := 1; i < len(rows); i += 2 {
			after = append(after, rows[i])
		}
		rows = after
	}

	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		clientID, ok := row[0].(string)
		if !ok || clientID != s.want.ClientID {
			continue
		}
		heartbeatID, ok := asUint64(row[1])
		if !ok || heartbeatID != s.want.HeartbeatID {
			continue
		}
		pos := posstore.Position{BinlogFile: s.currentFile}
		if e.Header != nil {
			pos.Offset = uint64(e.Header.LogPos)
		}
		select {
		case s.result <- pos:
		default:
		}
		return errHeartbeatScanStopped
	}
	return s.checkExhausted(e.Header)
}

func (s *heartbeatScan) OnRotate(header *replication.EventHeader, ev *replication.RotateEvent) error {
	s.currentFile = string(ev.NextLogName)
	return s.checkExhausted(header)
}

func (s *heartbeatScan) OnXID(header *replication.EventHeader, nextPos mysql.Position) error {
	return s.checkExhausted(header)
}

func (s *heartbeatScan) checkExhausted(header *replication.EventHeader) error {
	if header == nil {
		return nil
	}
	if s.currentFile == s.stop.Name && header.LogPos >= s.stop.Pos {
		select {
		case s.exhausted <- struct{}{}:
		default:
		}
		return errHeartbeatScanStopped
	}
	return nil
}

func (s *heartbeatScan) String() string { return "flowtapHeartbeatScanHandler" }

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
