// Package lock provides the lease that keeps a single scheduling loop active.
//
// A lease is held by one holder until it expires or is released. Renewal
// extends it; a holder whose lease was taken over learns so on its next Renew.
// Host failure needs no cleanup: the lease simply expires and another
// instance acquires it.
package lock

import (
	"context"
	"time"

	"github.com/teranos/fhirlake/errors"
)

var (
	// ErrAlreadyHeld is returned by Acquire while another holder's lease is live
	ErrAlreadyHeld = errors.New("lock already held")

	// ErrLockLost is returned by Renew when the lease expired and was taken over
	ErrLockLost = errors.New("lock lost")
)

// Lease is a time-bounded exclusive ownership token
type Lease struct {
	Name      string
	HolderID  string
	Token     string
	ExpiresAt time.Time
}

// JobLock grants leases on one named lock
type JobLock interface {
	Acquire(ctx context.Context, holderID string, duration time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, duration time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

// SchedulerLockName names the lease guarding a queue type's scheduling loop
func SchedulerLockName(queueType string) string {
	return "scheduler:" + queueType
}
