// Package dbconn contains the connection and transaction helpers shared by
// every package that talks to MySQL: the binlog client's companion
// connection, the schema store, and the position store all go through
// here. The retry policy and SQL-mode standardization suit a long-lived
// daemon the same way they suit a one-shot schema change; TLS goes through
// the system trust store.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

// DBConfig tunes connection and retry behavior.
type DBConfig struct {
	LockWaitTimeout       int
	InnodbLockWaitTimeout int
	MaxRetries            int
	MaxOpenConnections    int
}

// NewDBConfig returns sane defaults for a long-lived replicator's
// metadata writes, where lock waits, deadlocks, and transient disconnects
// are all expected failure modes.
func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:       30,
		InnodbLockWaitTimeout: 3,
		MaxRetries:            5,
		MaxOpenConnections:    10,
	}
}

func standardizeTrx(ctx context.Context, trx *sql.Tx, config *DBConfig) error {
	if _, err := trx.ExecContext(ctx, "SET time_zone='+00:00'"); err != nil {
		return err
	}
	if _, err := trx.ExecContext(ctx, "SET innodb_lock_wait_timeout=?", config.InnodbLockWaitTimeout); err != nil {
		return err
	}
	if _, err := trx.ExecContext(ctx, "SET lock_wait_timeout=?", config.LockWaitTimeout); err != nil {
		return err
	}
	return nil
}

// canRetryError decides if a MySQL error is transient enough to retry the
// whole transaction from the start.
func canRetryError(err error) bool {
	var errNumber uint16
	if val, ok := err.(*mysql.MySQLError); ok {
		errNumber = val.Number
	}
	switch errNumber {
	case errLockWaitTimeout, errDeadlock, errCannotConnect, errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableTransaction executes all stmts in a single transaction, retrying
// the whole thing (up to config.MaxRetries times) on a transient error.
func RetryableTransaction(ctx context.Context, db *sql.DB, config *DBConfig, stmts ...string) (int64, error) {
	var err error
	var trx *sql.Tx
	var rowsAffected int64
RETRYLOOP:
	for i := 0; i < config.MaxRetries; i++ {
		if trx, err = db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}); err != nil {
			backoff(i)
			continue RETRYLOOP
		}
		if err = standardizeTrx(ctx, trx, config); err != nil {
			_ = trx.Rollback()
			backoff(i)
			continue RETRYLOOP
		}
		for _, stmt := range stmts {
			if stmt == "" {
				continue
			}
			var res sql.Result
			if res, err = trx.ExecContext(ctx, stmt); err != nil {
				if canRetryError(err) {
					_ = trx.Rollback()
					backoff(i)
					continue RETRYLOOP
				}
				_ = trx.Rollback()
				return rowsAffected, err
			}
			if count, cerr := res.RowsAffected(); cerr == nil {
				rowsAffected += count
			}
		}
		if err != nil {
			_ = trx.Rollback()
			backoff(i)
			continue RETRYLOOP
		}
		if err = trx.Commit(); err != nil {
			_ = trx.Rollback()
			backoff(i)
			continue RETRYLOOP
		}
		return rowsAffected, nil
	}
	return rowsAffected, err
}

func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// DBExec runs a single statement in its own standardized transaction.
func DBExec(ctx context.Context, db *sql.DB, config *DBConfig, query string) error {
	trx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := standardizeTrx(ctx, trx, config); err != nil {
		_ = trx.Rollback()
		return err
	}
	if _, err = trx.ExecContext(ctx, query); err != nil {
		_ = trx.Rollback()
		return err
	}
	return trx.Commit()
}

// New opens a connection pool to dsn and applies config's pool limits.
func New(dsn string, config *DBConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open connection to %s: %w", dsn, err)
	}
	if config.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(config.MaxOpenConnections)
	}
	db.SetConnMaxLifetime(time.Minute * 3)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to %s: %w", dsn, err)
	}
	return db, nil
}
