// Package recovery implements the startup position/schema resolution
// strategy ladder: on every start, try strategies in order; the first
// whose precondition holds decides the result, and a full catalog capture
// is the last resort when none of the others applies.
//
//  1. Durable position -- this exact (client_id, server_id) already has a
//     committed cursor; resume from it with its schema unchanged.
//  2. Master-failover recovery -- the upstream server_id changed (a
//     promoted replica, a failover). Find the most recent heartbeat tuple
//     written by a different server_id, then connect to the new upstream
//     and scan its binlog for the row that committed the same
//     (client_id, heartbeat_id) pair. The heartbeat's recorded position is
//     only exact in the old server's own coordinate space -- (file,
//     offset) pairs aren't portable across a master/replica failover, so
//     the new server's resume position has to be found, not reused. If
//     the heartbeat is not found there, Resolve returns an error; it does
//     not move on to strategy 3 or 4.
//  3. Previous-client position -- a different client_id against the same
//     server_id already has a committed cursor (this client is new, but
//     the server isn't).
//  4. Full capture -- nothing durable exists; capture the catalog from
//     scratch and start from the server's current binlog position.
package recovery

import (
	"context"
	"fmt"

	perrors "github.com/pingcap/errors"
	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/binlogfeed"
	"github.com/flowtap/flowtap/internal/posstore"
	"github.com/flowtap/flowtap/internal/schema"
	"github.com/flowtap/flowtap/internal/schemastore"
)

// Strategy names the ladder rung that produced a Result, for logging and
// metrics.
type Strategy int

const (
	StrategyDurablePosition Strategy = iota
	StrategyMasterFailover
	StrategyPreviousClient
	StrategyFullCapture
)

func (s Strategy) String() string {
	switch s {
	case StrategyDurablePosition:
		return "durable_position"
	case StrategyMasterFailover:
		return "master_failover"
	case StrategyPreviousClient:
		return "previous_client"
	case StrategyFullCapture:
		return "full_capture"
	}
	return "unknown"
}

// Result is what the replicator needs to resume: a start position and,
// when one could be recovered, the schema snapshot valid as of it.
type Result struct {
	Strategy Strategy
	Position posstore.Position
	Schema   *schema.Schema // nil for StrategyFullCapture -- the caller must capture fresh
}

// CurrentPositionFunc asks the live upstream connection for its current
// binlog position, used only by the full-capture fallback.
type CurrentPositionFunc func(ctx context.Context) (posstore.Position, error)

// HeartbeatSeeker finds the position on the current upstream at which the
// heartbeat row identified by want committed. It's the new-server half of
// master-failover recovery; binlogfeed.SeekHeartbeat is the production
// implementation.
type HeartbeatSeeker func(ctx context.Context, want binlogfeed.HeartbeatMatch) (posstore.Position, bool, error)

// positionSource is the slice of *posstore.Store that Resolve needs.
// Declared at the point of use so tests can supply a fake without a
// database.
type positionSource interface {
	Load(ctx context.Context) (posstore.Position, bool, error)
	GetRecoveryInfo(ctx context.Context, excludeServerID uint64) (*posstore.RecoveryInfo, bool, error)
	GetClientPosition(ctx context.Context, serverID uint64, excludeClientID string) (*posstore.Position, bool, error)
}

// schemaSource is the slice of *schemastore.Store that Resolve needs.
type schemaSource interface {
	Resolve(ctx context.Context, serverID uint64, pos schema.Pos) (*schema.Schema, error)
	CloneForServer(ctx context.Context, predecessorServerID, newServerID uint64, predecessorPos, newPos schema.Pos) (uint64, error)
}

// Coordinator resolves the start position/schema for one (client_id,
// server_id) identity.
type Coordinator struct {
	positions        positionSource
	schemas          schemaSource
	logger           loggers.Advanced
	serverID         uint64
	database         string
	heartbeatTable   string
	seekHeartbeat    HeartbeatSeeker
	failoverRecovery bool
}

// New constructs a Coordinator. database and heartbeatTable identify the
// heartbeat row to look for when master-failover recovery seeks a new
// upstream's binlog; failoverRecovery false skips that rung entirely
// (strategy 2 is only attempted when enabled), and seekHeartbeat may be
// nil if it is never expected to trigger.
func New(positions positionSource, schemas schemaSource, logger loggers.Advanced, serverID uint64, database, heartbeatTable string, seekHeartbeat HeartbeatSeeker, failoverRecovery bool) *Coordinator {
	return &Coordinator{
		positions:        positions,
		schemas:          schemas,
		logger:           logger,
		serverID:         serverID,
		database:         database,
		heartbeatTable:   heartbeatTable,
		seekHeartbeat:    seekHeartbeat,
		failoverRecovery: failoverRecovery,
	}
}

// Resolve runs the strategy ladder.
func (c *Coordinator) Resolve(ctx context.Context, clientID string, currentUpstreamPosition CurrentPositionFunc) (*Result, error) {
	if pos, ok, err := c.positions.Load(ctx); err != nil {
		return nil, perrors.Annotate(err, "recovery: load durable position")
	} else if ok {
		snap, err := c.schemas.Resolve(ctx, c.serverID, schema.Pos{File: pos.BinlogFile, Offset: pos.Offset})
		if err != nil {
			return nil, perrors.Annotate(err, "recovery: resolve schema for durable position")
		}
		c.logger.Infof("recovery: resuming %s from durable position %s", StrategyDurablePosition, pos)
		return &Result{Strategy: StrategyDurablePosition, Position: pos, Schema: snap}, nil
	}

	if !c.failoverRecovery {
		c.logger.Infof("recovery: master-failover recovery disabled, skipping predecessor lookup")
	} else if info, ok, err := c.positions.GetRecoveryInfo(ctx, c.serverID); err != nil {
		return nil, perrors.Annotate(err, "recovery: get recovery info")
	} else if ok {
		if c.seekHeartbeat == nil {
			return nil, fmt.Errorf("recovery: master failover detected (predecessor server %d) but no heartbeat seeker is configured", info.ServerID)
		}
		predecessorPos := schema.Pos{File: info.Position.BinlogFile, Offset: info.Position.Offset}

		newPos, found, err := c.seekHeartbeat(ctx, binlogfeed.HeartbeatMatch{
			Database:    c.database,
			Table:       c.heartbeatTable,
			ClientID:    info.ClientID,
			HeartbeatID: info.LastHeartbeatID,
		})
		if err != nil {
			return nil, perrors.Annotate(err, "recovery: seek heartbeat on new upstream")
		}
		if !found {
			return nil, fmt.Errorf("recovery: heartbeat %d from predecessor server %d not found on new upstream's binlog",
				info.LastHeartbeatID, info.ServerID)
		}

		newSchemaPos := schema.Pos{File: newPos.BinlogFile, Offset: newPos.Offset}
		newSchemaID, err := c.schemas.CloneForServer(ctx, info.ServerID, c.serverID, predecessorPos, newSchemaPos)
		if err != nil {
			return nil, perrors.Annotate(err, "recovery: clone predecessor schema")
		}
		snap, err := c.schemas.Resolve(ctx, info.ServerID, predecessorPos)
		if err != nil {
			return nil, perrors.Annotate(err, "recovery: resolve predecessor schema")
		}
		c.logger.Infof("recovery: resuming %s from predecessor server %d heartbeat %d, found at %s on new upstream (cloned schema id %d)",
			StrategyMasterFailover, info.ServerID, info.LastHeartbeatID, newPos, newSchemaID)
		return &Result{Strategy: StrategyMasterFailover, Position: newPos, Schema: snap}, nil
	}

	if pos, ok, err := c.positions.GetClientPosition(ctx, c.serverID, clientID); err != nil {
		return nil, perrors.Annotate(err, "recovery: get previous client position")
	} else if ok {
		snap, err := c.schemas.Resolve(ctx, c.serverID, schema.Pos{File: pos.BinlogFile, Offset: pos.Offset})
		if err != nil {
			return nil, perrors.Annotate(err, "recovery: resolve schema for previous client position")
		}
		c.logger.Infof("recovery: resuming %s from previous client's position %s", StrategyPreviousClient, *pos)
		return &Result{Strategy: StrategyPreviousClient, Position: *pos, Schema: snap}, nil
	}

	if currentUpstreamPosition == nil {
		return nil, fmt.Errorf("recovery: no durable state found and no upstream position source provided for full capture")
	}
	pos, err := currentUpstreamPosition(ctx)
	if err != nil {
		return nil, perrors.Annotate(err, "recovery: get current upstream position for full capture")
	}
	c.logger.Infof("recovery: no durable state found, falling back to %s at %s", StrategyFullCapture, pos)
	return &Result{Strategy: StrategyFullCapture, Position: pos, Schema: nil}, nil
}
