package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/siddontang/loggers"
)

var (
	// getLockTimeout is the timeout for acquiring GET_LOCK. 0 means return
	// immediately if the lock is unavailable -- callers that want to block
	// and retry (the HA lease) loop around NewMetadataLock themselves.
	getLockTimeout  = 0 * time.Second
	refreshInterval = 1 * time.Minute
)

// MetadataLock wraps a single dedicated connection holding a named
// GET_LOCK. It is the building block for single-leader election: exactly one process can hold a given lock name at a time, and the
// lock is automatically released if the connection drops.
type MetadataLock struct {
	cancel          context.CancelFunc
	closeCh         chan error
	refreshInterval time.Duration
	ticker          *time.Ticker
	dbConn          *sql.DB
}

// NewMetadataLock acquires lockName over a new dedicated connection to dsn,
// returning immediately with an error if it is already held elsewhere. It
// then refreshes the lock on a background ticker so that a forgotten
// GET_LOCK timeout elsewhere can't silently evict us.
func NewMetadataLock(ctx context.Context, dsn string, lockName string, logger loggers.Advanced, optionFns ...func(*MetadataLock)) (*MetadataLock, error) {
	if len(lockName) == 0 {
		return nil, errors.New("metadata lock name is empty")
	}
	if len(lockName) > 64 {
		return nil, fmt.Errorf("metadata lock name is too long: %d, max length is 64", len(lockName))
	}

	mdl := &MetadataLock{refreshInterval: refreshInterval}
	for _, optionFn := range optionFns {
		optionFn(mdl)
	}

	dbConfig := NewDBConfig()
	dbConfig.MaxOpenConnections = 1
	dbConn, err := New(dsn, dbConfig)
	if err != nil {
		return nil, err
	}
	mdl.dbConn = dbConn

	getLock := func() error {
		var answer int
		if err := dbConn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, getLockTimeout.Seconds()).Scan(&answer); err != nil {
			return fmt.Errorf("could not acquire metadata lock: %s", err)
		}
		if answer == 0 {
			return fmt.Errorf("could not acquire metadata lock: %s, lock is held by another connection", lockName)
		} else if answer != 1 {
			return fmt.Errorf("could not acquire metadata lock: %s, GET_LOCK returned: %d", lockName, answer)
		}
		return nil
	}

	logger.Infof("attempting to acquire metadata lock: %s", lockName)
	if err = getLock(); err != nil {
		dbConn.Close()
		return nil, err
	}
	logger.Infof("acquired metadata lock: %s", lockName)

	ctx, mdl.cancel = context.WithCancel(ctx)
	mdl.closeCh = make(chan error)
	go func() {
		mdl.ticker = time.NewTicker(mdl.refreshInterval)
		defer mdl.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Warnf("releasing metadata lock: %s", lockName)
				mdl.closeCh <- dbConn.Close()
				return
			case <-mdl.ticker.C:
				if err := getLock(); err != nil {
					logger.Errorf("could not refresh metadata lock: %s", err)
				}
			}
		}
	}()

	return mdl, nil
}

func (m *MetadataLock) Close() error {
	if m.cancel == nil {
		if m.ticker != nil {
			m.ticker.Stop()
		}
		if m.closeCh != nil {
			close(m.closeCh)
		}
		if m.dbConn != nil {
			return m.dbConn.Close()
		}
		return nil
	}
	m.cancel()
	return <-m.closeCh
}
