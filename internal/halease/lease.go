// Package halease models single-leader election as a black box: any
// implementation providing "join a named group, learn when you become
// leader, learn when you no longer are" satisfies Lease. SingleNode (in
// singlenode.go) is the reference implementation a small deployment can
// run without an external coordination service.
package halease

import "context"

// Lease is joined by one named member of an election group. Exactly one
// member observes itself as leader at a time.
type Lease interface {
	// Await blocks until this member becomes leader, or ctx is cancelled.
	Await(ctx context.Context) error
	// Lost returns a channel that is closed exactly once, when this
	// member's leadership ends -- voluntarily (Close) or by eviction. The
	// replicator loop selects on it to know when to terminate with a
	// LeadershipLost error.
	Lost() <-chan struct{}
	// Close relinquishes leadership by dropping the handle.
	Close() error
}

// LeadershipLostError is returned by the replicator loop when a Lease's
// Lost channel fires mid-run.
type LeadershipLostError struct {
	Group string
}

func (e *LeadershipLostError) Error() string {
	return "leadership lost for election group " + e.Group
}
