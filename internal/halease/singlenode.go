package halease

import (
	"context"
	"sync"
	"time"

	"github.com/siddontang/loggers"

	"github.com/flowtap/flowtap/internal/dbconn"
)

// acquireRetryInterval is how often a follower retries GET_LOCK while
// waiting to become leader.
var acquireRetryInterval = 5 * time.Second

// SingleNode is a Lease backed by a named MySQL GET_LOCK. Its Lost channel
// closes only when Close is called; a dropped lock connection is not
// detected and does not close it.
type SingleNode struct {
	dsn    string
	group  string
	logger loggers.Advanced

	mu     sync.Mutex
	lock   *dbconn.MetadataLock
	lostCh chan struct{}
	closed bool
}

// NewSingleNode returns a Lease for the named election group, backed by a
// dedicated connection to dsn.
func NewSingleNode(dsn, group string, logger loggers.Advanced) *SingleNode {
	return &SingleNode{
		dsn:    dsn,
		group:  group,
		logger: logger,
		lostCh: make(chan struct{}),
	}
}

// Await blocks, retrying GET_LOCK acquisition, until this process becomes
// leader or ctx is cancelled.
func (s *SingleNode) Await(ctx context.Context) error {
	for {
		lock, err := dbconn.NewMetadataLock(ctx, s.dsn, s.group, s.logger)
		if err == nil {
			s.mu.Lock()
			s.lock = lock
			s.mu.Unlock()
			s.logger.Infof("halease: acquired leadership for group %s", s.group)
			return nil
		}
		s.logger.Infof("halease: waiting for leadership of group %s: %v", s.group, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

// Lost returns the channel that Close closes.
func (s *SingleNode) Lost() <-chan struct{} {
	return s.lostCh
}

// Close relinquishes leadership.
func (s *SingleNode) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.lostCh)
	if s.lock != nil {
		return s.lock.Close()
	}
	return nil
}
