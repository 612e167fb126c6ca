// Command flowtapd streams row and schema changes out of a MySQL binlog
// and forwards them to a downstream producer, maintaining the durable
// position/schema state needed to resume after a restart or a master
// failover.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flowtap/flowtap/internal/binlogfeed"
	"github.com/flowtap/flowtap/internal/dbconn"
	"github.com/flowtap/flowtap/internal/halease"
	"github.com/flowtap/flowtap/internal/heartbeat"
	"github.com/flowtap/flowtap/internal/lifecycle"
	"github.com/flowtap/flowtap/internal/posstore"
	"github.com/flowtap/flowtap/internal/producer"
	"github.com/flowtap/flowtap/internal/recovery"
	"github.com/flowtap/flowtap/internal/replicator"
	"github.com/flowtap/flowtap/internal/schema"
	"github.com/flowtap/flowtap/internal/schemastore"
)

// Cmd is the top-level flowtapd command (also the default, so `flowtapd
// --host ...` works without a subcommand).
type Cmd struct {
	Host     string `help:"Upstream MySQL host:port." required:""`
	User     string `help:"Upstream MySQL user." required:""`
	Password string `help:"Upstream MySQL password." env:"FLOWTAP_PASSWORD"`
	Database string `help:"Database to replicate." required:""`

	ClientID string `help:"Stable identity for this replicator process's durable position." required:""`
	ServerID uint64 `help:"Numeric server id this process registers with upstream as a replica." default:"2424"`

	MetadataDSN string `help:"DSN for the database holding position/schema metadata tables (defaults to the upstream connection)."`

	Producer string `help:"Downstream sink: memory or file:<path>." default:"memory"`

	HAGroup        string        `help:"Election group name; leave empty to run without HA coordination."`
	HeartbeatEvery time.Duration `help:"Interval between heartbeat marker writes; 0 disables heartbeats." default:"10s"`
	FlushInterval  time.Duration `help:"Maximum interval between forced producer flushes." default:"1s"`
	StatusInterval time.Duration `help:"Interval between replication lag log lines." default:"30s"`
	CompactEvery   time.Duration `help:"Interval between schema-store compaction and recovery-info cleanup passes; 0 disables." default:"15m"`

	GTID bool `help:"Track position by GTID set instead of (file, offset)."`

	IncludeTables []string `help:"Only replicate tables matching these globs (db.table or db.*)."`
	ExcludeTables []string `help:"Never replicate tables matching these globs."`
	ExcludeDBs    []string `help:"Never replicate these databases."`

	RecaptureSchema  bool `help:"Ignore any durable schema snapshot and introspect the catalog fresh on startup."`
	FailoverRecovery bool `help:"Attempt master-failover recovery from a predecessor server's heartbeats when no durable position exists." default:"true" negatable:""`

	LogLevel string `help:"Log level: debug, info, warn, error." default:"info" enum:"debug,info,warn,error"`
}

var cli struct {
	Cmd `cmd:"" default:"withargs" help:"Run the replication daemon."`
}

func main() {
	parser, err := kong.New(&cli, kong.Name("flowtapd"), kong.Description("MySQL binlog change-data-capture daemon."))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.FatalIfErrorf(err)
		os.Exit(1)
	}
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowtapd:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var retentionLost *binlogfeed.BinlogRetentionLostError
	if errors.As(err, &retentionLost) {
		return 2
	}
	return 1
}

func (r *Cmd) Run() error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(r.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", r.LogLevel, err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", r.User, r.Password, r.Host, r.Database)
	metadataDSN := r.MetadataDSN
	if metadataDSN == "" {
		metadataDSN = dsn
	}

	dbConfig := dbconn.NewDBConfig()
	upstream, err := dbconn.New(dsn, dbConfig)
	if err != nil {
		return fmt.Errorf("connecting to upstream: %w", err)
	}
	defer upstream.Close()

	metadataDB := upstream
	if metadataDSN != dsn {
		metadataDB, err = dbconn.New(metadataDSN, dbConfig)
		if err != nil {
			return fmt.Errorf("connecting to metadata database: %w", err)
		}
		defer metadataDB.Close()
	}

	positions := posstore.New(metadataDB, dbConfig, r.ClientID, r.ServerID, logger)
	if err := positions.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring position schema: %w", err)
	}
	schemas := schemastore.New(metadataDB, dbConfig, logger)
	if err := schemas.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema store schema: %w", err)
	}

	sink, err := buildProducer(r.Producer)
	if err != nil {
		return err
	}
	defer sink.Close()

	var lease halease.Lease
	if r.HAGroup != "" {
		lease = halease.NewSingleNode(metadataDSN, r.HAGroup, logger)
	} else {
		lease = noopLease{}
	}

	var hb *heartbeat.Writer
	if r.HeartbeatEvery > 0 {
		hb = heartbeat.New(upstream, dbConfig, logger, r.ClientID, r.Database, r.HeartbeatEvery)
		if err := hb.EnsureTable(ctx); err != nil {
			return fmt.Errorf("ensuring heartbeat table: %w", err)
		}
	}

	feedCfg := binlogfeed.Config{
		Addr:     r.Host,
		User:     r.User,
		Password: r.Password,
		ServerID: uint32(r.ServerID),
		Flavor:   "mysql",
		Logger:   logger,
	}
	feed, err := binlogfeed.NewCanalFeed(feedCfg)
	if err != nil {
		return fmt.Errorf("constructing binlog feed: %w", err)
	}
	defer feed.Close()

	posFn := func(ctx context.Context) (posstore.Position, error) {
		pos, err := currentUpstreamPosition(ctx, upstream)
		if err != nil {
			return posstore.Position{}, err
		}
		if !r.GTID {
			pos.GTIDSet = ""
		}
		return pos, nil
	}

	seekHeartbeat := recovery.HeartbeatSeeker(func(ctx context.Context, want binlogfeed.HeartbeatMatch) (posstore.Position, bool, error) {
		return binlogfeed.SeekHeartbeat(ctx, feedCfg, want)
	})
	coordinator := recovery.New(positions, schemas, logger, r.ServerID, r.Database, heartbeat.TableName, seekHeartbeat, r.FailoverRecovery)
	var result *recovery.Result
	if r.RecaptureSchema {
		pos, err := posFn(ctx)
		if err != nil {
			return fmt.Errorf("determining current upstream position: %w", err)
		}
		result = &recovery.Result{Strategy: recovery.StrategyFullCapture, Position: pos}
	} else {
		result, err = coordinator.Resolve(ctx, r.ClientID, posFn)
	}
	if err != nil {
		return fmt.Errorf("resolving start position: %w", err)
	}
	logger.Infof("flowtapd: recovered via %s at position %s", result.Strategy, result.Position)

	snap := result.Schema
	captureID := uint64(0)
	if snap == nil {
		introspected, err := schema.Introspect(ctx, upstream, []string{r.Database}, true)
		if err != nil {
			return fmt.Errorf("introspecting catalog: %w", err)
		}
		pos := schema.Pos{File: result.Position.BinlogFile, Offset: result.Position.Offset}
		captureID, err = schemas.Capture(ctx, r.ServerID, pos, introspected)
		if err != nil {
			return fmt.Errorf("capturing initial schema: %w", err)
		}
		snap = introspected
	}

	rep := replicator.New(replicator.Config{
		ClientID:       r.ClientID,
		ServerID:       r.ServerID,
		Database:       r.Database,
		Feed:           feed,
		Positions:      positions,
		Schemas:        schemas,
		Sink:           sink,
		Lease:          lease,
		Heartbeat:      hb,
		Filter:         replicator.NewFilter(nil, r.ExcludeDBs, r.IncludeTables, r.ExcludeTables),
		Logger:         logger,
		LiveTable: func(ctx context.Context, database, table string) (*schema.Table, error) {
			return schema.IntrospectTable(ctx, upstream, database, table)
		},
		FlushInterval:  r.FlushInterval,
		StatusInterval: r.StatusInterval,
	}, snap, captureID)

	handle := lifecycle.Start(ctx, rep)

	// The auxiliary workers (heartbeat, compactor) run under their own
	// group so they drain after the replicator exits rather than being abandoned mid-write.
	workers, workerCtx := errgroup.WithContext(ctx)
	if hb != nil {
		workers.Go(func() error {
			return hb.Run(workerCtx, func(id uint64, writtenAt time.Time) {
				logger.Debugf("flowtapd: heartbeat tick %d at %s", id, writtenAt)
			})
		})
	}
	if r.CompactEvery > 0 {
		workers.Go(func() error {
			runCompactor(workerCtx, r.CompactEvery, r.ServerID, positions, schemas, logger)
			return nil
		})
	}

	runErr := handle.Await()
	stop()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnf("flowtapd: worker shutdown: %v", err)
	}
	return runErr
}

// runCompactor periodically folds the schema store's delta chain into a
// fresh materialized snapshot at the committed cursor and purges recovery
// candidates the cursor has moved past. Failures are logged and retried on
// the next tick; compaction is an optimization, never load-bearing.
func runCompactor(ctx context.Context, every time.Duration, serverID uint64, positions *posstore.Store, schemas *schemastore.Store, logger *logrus.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := positions.Current()
			if cur.BinlogFile == "" && cur.GTIDSet == "" {
				continue
			}
			pos := schema.Pos{File: cur.BinlogFile, Offset: cur.Offset}
			if _, err := schemas.Compact(ctx, serverID, pos); err != nil {
				logger.Warnf("flowtapd: schema compaction: %v", err)
			}
			if err := positions.CleanupOldRecoveryInfos(ctx); err != nil {
				logger.Warnf("flowtapd: recovery info cleanup: %v", err)
			}
		}
	}
}

func buildProducer(spec string) (producer.Producer, error) {
	if spec == "memory" {
		return producer.NewMemory(), nil
	}
	if strings.HasPrefix(spec, "file:") {
		return producer.NewFile(strings.TrimPrefix(spec, "file:"))
	}
	return nil, fmt.Errorf("unrecognized producer spec %q (want memory or file:<path>)", spec)
}

func currentUpstreamPosition(ctx context.Context, db *sql.DB) (posstore.Position, error) {
	row := db.QueryRowContext(ctx, "SHOW MASTER STATUS")
	var file string
	var offset uint64
	var binlogDoDB, binlogIgnoreDB, executedGtidSet string
	if err := row.Scan(&file, &offset, &binlogDoDB, &binlogIgnoreDB, &executedGtidSet); err != nil {
		return posstore.Position{}, fmt.Errorf("SHOW MASTER STATUS: %w", err)
	}
	return posstore.Position{BinlogFile: file, Offset: offset, GTIDSet: executedGtidSet}, nil
}

// noopLease is the Lease used when no HA group is configured: this process
// always considers itself leader.
type noopLease struct{}

func (noopLease) Await(ctx context.Context) error   { return nil }
func (noopLease) Lost() <-chan struct{}             { return nil }
func (noopLease) Close() error                      { return nil }
